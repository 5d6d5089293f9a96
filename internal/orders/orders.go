// Package orders runs the escrow lifecycle of a social-commerce sale.
//
// Flow:
//  1. Seller creates an order and shares the payment link
//  2. Buyer initiates payment; the order is risk-checked and an STK push sent
//  3. Gateway callback marks the order paid; funds sit in escrow
//  4. Seller ships
//  5. Buyer confirms delivery (GPS-verified for high-value items); funds
//     are released to the seller minus the platform fee
//  6. Either side may dispute while funds are held; an admin resolves it
//     by refunding the buyer or releasing to the seller
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sokopay/internal/fraud"
	"github.com/mbd888/sokopay/internal/geo"
	"github.com/mbd888/sokopay/internal/money"
)

var (
	ErrNotFound                   = errors.New("order not found")
	ErrInvalidState               = errors.New("invalid order status for this operation")
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrFraudBlocked               = errors.New("transaction blocked for security")
	ErrLocationVerificationFailed = errors.New("location verification failed")
	ErrGatewayError               = errors.New("payment gateway error")
	ErrConflict                   = errors.New("order was modified concurrently")
)

// StateError reports a transition attempted from the wrong status.
type StateError struct {
	Op      string
	Current Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s order: current status is %s", e.Op, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting payment
	StatusPaid      Status = "paid"      // Funds held in escrow
	StatusShipped   Status = "shipped"   // Seller dispatched the item
	StatusDelivered Status = "delivered" // Buyer confirmed receipt
	StatusCompleted Status = "completed" // Funds released to seller
	StatusDisputed  Status = "disputed"  // Awaiting admin resolution
	StatusRefunded  Status = "refunded"  // Dispute resolved in buyer's favour
	StatusFlagged   Status = "flagged"   // Blocked by the fraud check
)

// transitions lists every legal edge of the lifecycle.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusFlagged},
	StatusPaid:      {StatusShipped, StatusDisputed},
	StatusShipped:   {StatusDelivered, StatusDisputed},
	StatusDelivered: {StatusCompleted, StatusDisputed},
	StatusDisputed:  {StatusRefunded, StatusCompleted},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered,
		StatusCompleted, StatusDisputed, StatusRefunded, StatusFlagged:
		return true
	}
	return false
}

// RiskSnapshot is the latest fraud assessment stored on an order.
type RiskSnapshot struct {
	Score  int         `json:"score"`
	Level  fraud.Level `json:"level"`
	Flags  []string    `json:"flags"`
	Reason string      `json:"reason,omitempty"`
}

func snapshotOf(a fraud.Assessment) *RiskSnapshot {
	flags := a.Flags
	if flags == nil {
		flags = []string{}
	}
	return &RiskSnapshot{Score: a.Score, Level: a.Level, Flags: flags, Reason: a.Reason}
}

// Order is one sale between a seller and a buyer.
type Order struct {
	ID                 string        `json:"id"`
	ProductName        string        `json:"productName"`
	ProductPrice       money.Amount  `json:"productPrice"`
	ProductDescription string        `json:"productDescription,omitempty"`
	ProductCategory    string        `json:"productCategory"`
	SellerPhone        string        `json:"sellerPhone"`
	SellerName         string        `json:"sellerName"`
	SellerLocation     *geo.Point    `json:"sellerLocation,omitempty"`
	BuyerPhone         string        `json:"buyerPhone,omitempty"`
	BuyerName          string        `json:"buyerName,omitempty"`
	Status             Status        `json:"status"`
	PaymentLink        string        `json:"paymentLink"`
	PaymentRef         string        `json:"paymentRef,omitempty"`
	Risk               *RiskSnapshot `json:"risk,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	PaidAt             *time.Time    `json:"paidAt,omitempty"`
	ShippedAt          *time.Time    `json:"shippedAt,omitempty"`
	DeliveredAt        *time.Time    `json:"deliveredAt,omitempty"`
	// Version increments on every committed change.
	Version int64 `json:"version"`
}

func (o *Order) clone() *Order {
	cp := *o
	if o.SellerLocation != nil {
		loc := *o.SellerLocation
		cp.SellerLocation = &loc
	}
	if o.Risk != nil {
		r := *o.Risk
		r.Flags = append([]string(nil), o.Risk.Flags...)
		cp.Risk = &r
	}
	cp.PaidAt = cloneTime(o.PaidAt)
	cp.ShippedAt = cloneTime(o.ShippedAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventType tags a TransactionEvent.
type EventType string

const (
	EventOrderCreated        EventType = "order_created"
	EventFraudCheck          EventType = "fraud_check"
	EventFraudBlocked        EventType = "fraud_blocked"
	EventPaymentInitiated    EventType = "payment_initiated"
	EventPaymentCompleted    EventType = "payment_completed"
	EventPaymentFailed       EventType = "payment_failed"
	EventFraudFlaggedPostPay EventType = "fraud_flagged_post_payment"
	EventOrderShipped        EventType = "order_shipped"
	EventDeliveryConfirmed   EventType = "delivery_confirmed"
	EventFundsReleased       EventType = "funds_released"
	EventDisputeRaised       EventType = "dispute_raised"
	EventDisputeResolved     EventType = "dispute_resolved"
)

// Event is an append-only audit record. It is never modified after it is
// stored.
type Event struct {
	ID         int64         `json:"id"`
	OrderID    string        `json:"orderId"`
	Type       EventType     `json:"type"`
	Amount     *money.Amount `json:"amount,omitempty"`
	Status     string        `json:"status,omitempty"`
	GatewayRef string        `json:"gatewayRef,omitempty"`
	Metadata   string        `json:"metadata,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// DisputeStatus is the state of a dispute ticket.
type DisputeStatus string

const (
	DisputePending  DisputeStatus = "pending"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the admin decision on a dispute.
type Resolution string

const (
	ResolutionRefund  Resolution = "refund"
	ResolutionRelease Resolution = "release"
)

// Dispute is a ticket raised against an order holding funds.
type Dispute struct {
	ID         int64         `json:"id"`
	OrderID    string        `json:"orderId"`
	Reason     string        `json:"reason"`
	Evidence   string        `json:"evidence,omitempty"`
	Status     DisputeStatus `json:"status"`
	Resolution Resolution    `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// DisputeView is a dispute joined with a summary of its order.
type DisputeView struct {
	Dispute
	ProductName  string       `json:"productName"`
	ProductPrice money.Amount `json:"productPrice"`
	SellerName   string       `json:"sellerName"`
	SellerPhone  string       `json:"sellerPhone"`
	BuyerName    string       `json:"buyerName,omitempty"`
	BuyerPhone   string       `json:"buyerPhone,omitempty"`
	OrderStatus  Status       `json:"orderStatus"`
}

// Change is one atomic write: the updated order, the events the step
// produced, and optionally a new or updated dispute. Order.Version must
// hold the version that was read; stores reject the change with
// ErrConflict when it no longer matches.
type Change struct {
	Order   *Order
	Events  []*Event
	Dispute *Dispute
}

// Store persists orders, their event log and dispute tickets.
type Store interface {
	Create(ctx context.Context, order *Order, events ...*Event) error
	Get(ctx context.Context, id string) (*Order, error)
	Apply(ctx context.Context, change Change) error
	ListEvents(ctx context.Context, orderID string) ([]*Event, error)
	GetPendingDispute(ctx context.Context, orderID string) (*Dispute, error)
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeView, error)
	ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error)
	CountSellerOrdersSince(ctx context.Context, sellerPhone string, since time.Time) (int, error)
}

// ErrNoPendingDispute is returned by GetPendingDispute when the order has
// no open ticket.
var ErrNoPendingDispute = errors.New("no pending dispute for order")
