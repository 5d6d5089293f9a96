package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sokopay/internal/fraud"
	"github.com/mbd888/sokopay/internal/geo"
	"github.com/mbd888/sokopay/internal/idgen"
	"github.com/mbd888/sokopay/internal/locks"
	"github.com/mbd888/sokopay/internal/logging"
	"github.com/mbd888/sokopay/internal/metrics"
	"github.com/mbd888/sokopay/internal/money"
	"github.com/mbd888/sokopay/internal/risk"
	"github.com/mbd888/sokopay/internal/traces"
	"github.com/mbd888/sokopay/internal/validation"
)

// Policy thresholds.
const (
	// FraudBlockThreshold: a pre-payment score above this flags the order.
	FraudBlockThreshold = 80
	// ReviewThreshold: a post-payment score at or above this is logged for
	// manual review. The order stays paid.
	ReviewThreshold = 70
	// HighValueThreshold is the price above which delivery needs GPS proof.
	HighValueThreshold = money.Amount(10_000_00)

	DefaultFeeBPS          = 300
	DefaultPaymentLinkBase = "https://soko-pay.vercel.app"
	DefaultCategory        = "Other"
	MinDisputeReasonLength = 10
)

// RiskAssessor scores a sale. fraud.Assessor satisfies it.
type RiskAssessor interface {
	Assess(ctx context.Context, d fraud.Descriptor) (fraud.Assessment, error)
}

// PaymentStatus is a gateway outcome.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
)

// PaymentRequest asks the gateway to push a payment prompt to the buyer.
type PaymentRequest struct {
	OrderID      string
	Amount       money.Amount
	Phone        string
	CustomerName string
	Description  string
}

// PaymentReceipt acknowledges a push request.
type PaymentReceipt struct {
	Reference         string
	CheckoutRequestID string
	Status            string
}

// PaymentNotice is a normalized payment result, from a callback or a
// status lookup.
type PaymentNotice struct {
	OrderID     string
	Reference   string
	Status      PaymentStatus
	Amount      money.Amount
	Phone       string
	ProviderRef string
	Description string
	Timestamp   time.Time
}

// Gateway abstracts the mobile-money provider so orders doesn't import it.
type Gateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (*PaymentReceipt, error)
	ParseCallback(raw []byte) (*PaymentNotice, error)
	VerifyPayment(ctx context.Context, reference string) (*PaymentNotice, error)
}

// Update is published after every committed change.
type Update struct {
	OrderID  string    `json:"orderId"`
	Status   Status    `json:"status"`
	Previous Status    `json:"previousStatus"`
	Event    EventType `json:"event"`
	At       time.Time `json:"at"`
}

// Notifier receives committed updates. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, u Update)
}

// Config holds the lifecycle policy knobs.
type Config struct {
	PaymentLinkBase string
	FeeBPS          int64
	MaxDistanceKm   float64
}

// Service implements the order lifecycle.
type Service struct {
	store     Store
	assessor  RiskAssessor
	gateway   Gateway
	locker    locks.Locker
	advisor   *risk.Engine
	notifiers []Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a lifecycle service. Transitions are serialized per
// order with an in-process lock unless WithLocker supplies another.
func NewService(store Store, assessor RiskAssessor, gateway Gateway, cfg Config, logger *slog.Logger) *Service {
	if cfg.PaymentLinkBase == "" {
		cfg.PaymentLinkBase = DefaultPaymentLinkBase
	}
	cfg.PaymentLinkBase = strings.TrimRight(cfg.PaymentLinkBase, "/")
	if cfg.FeeBPS <= 0 {
		cfg.FeeBPS = DefaultFeeBPS
	}
	if cfg.MaxDistanceKm <= 0 {
		cfg.MaxDistanceKm = geo.DefaultMaxDistanceKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		assessor: assessor,
		gateway:  gateway,
		locker:   locks.NewLocal(),
		advisor:  risk.NewEngine(nil, store),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithLocker replaces the per-order lock.
func (s *Service) WithLocker(l locks.Locker) *Service {
	s.locker = l
	return s
}

// WithNotifier adds a receiver of committed updates.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// WithAdvisor replaces the composite risk engine.
func (s *Service) WithAdvisor(e *risk.Engine) *Service {
	s.advisor = e
	return s
}

// PaymentLink returns the shareable link for an order.
func (s *Service) PaymentLink(orderID string) string {
	return s.cfg.PaymentLinkBase + "/pay/" + orderID
}

// ValidationError carries per-field failures. It unwraps to
// ErrInvalidArgument.
type ValidationError struct {
	Fields validation.ValidationErrors
}

func (e *ValidationError) Error() string { return "invalid argument: " + e.Fields.Error() }

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// CreateRequest describes the product a seller is selling.
type CreateRequest struct {
	ProductName        string       `json:"productName"`
	ProductPrice       money.Amount `json:"productPrice"`
	ProductDescription string       `json:"productDescription"`
	ProductCategory    string       `json:"productCategory"`
	SellerPhone        string       `json:"sellerPhone"`
	SellerName         string       `json:"sellerName"`
	SellerLatitude     *float64     `json:"sellerLatitude,omitempty"`
	SellerLongitude    *float64     `json:"sellerLongitude,omitempty"`
}

// Create stores a new pending order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create")
	defer span.End()

	req.ProductName = validation.SanitizeString(req.ProductName, 500)
	req.ProductDescription = validation.SanitizeString(req.ProductDescription, 5000)
	req.ProductCategory = validation.SanitizeString(req.ProductCategory, 100)
	req.SellerName = validation.SanitizeString(req.SellerName, 500)
	req.SellerPhone = validation.NormalizeMSISDN(req.SellerPhone)

	if errs := validation.Validate(
		validation.Length("productName", req.ProductName, 3, 200),
		validation.Positive("productPrice", req.ProductPrice.Cents()),
		validation.MaxLength("productDescription", req.ProductDescription, 1000),
		validation.ValidMSISDN("sellerPhone", req.SellerPhone),
		validation.Length("sellerName", req.SellerName, 2, 100),
		validation.ValidCoordinates("sellerLocation", req.SellerLatitude, req.SellerLongitude),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	if req.ProductCategory == "" {
		req.ProductCategory = DefaultCategory
	}

	now := s.now().UTC()
	id := idgen.OrderID()
	o := &Order{
		ID:                 id,
		ProductName:        req.ProductName,
		ProductPrice:       req.ProductPrice,
		ProductDescription: req.ProductDescription,
		ProductCategory:    req.ProductCategory,
		SellerPhone:        req.SellerPhone,
		SellerName:         req.SellerName,
		Status:             StatusPending,
		PaymentLink:        s.PaymentLink(id),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.SellerLatitude != nil {
		o.SellerLocation = &geo.Point{Lat: *req.SellerLatitude, Lon: *req.SellerLongitude}
	}
	span.SetAttributes(traces.OrderID(id), traces.Amount(o.ProductPrice.String()))
	ctx = logging.WithOrderID(ctx, id)

	ev := s.newEvent(o, EventOrderCreated, now)
	ev.Amount = amountPtr(o.ProductPrice)
	ev.Status = string(StatusPending)
	if err := s.store.Create(ctx, o, ev); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersCreatedTotal.Inc()
	s.log(ctx).Info("order created", "price", o.ProductPrice.String(), "category", o.ProductCategory)
	s.notify(ctx, o, StatusPending, EventOrderCreated)
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Tracking is an order with its event timeline.
type Tracking struct {
	Order  *Order   `json:"order"`
	Events []*Event `json:"events"`
}

// Track returns the order snapshot and its events in insertion order.
func (s *Service) Track(ctx context.Context, id string) (*Tracking, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []*Event{}
	}
	return &Tracking{Order: o, Events: events}, nil
}

// PayRequest identifies the buyer paying for an order.
type PayRequest struct {
	BuyerPhone string `json:"buyerPhone"`
	BuyerName  string `json:"buyerName"`
}

// PaymentResult is returned once the push prompt has been sent.
type PaymentResult struct {
	OrderID           string        `json:"orderId"`
	Reference         string        `json:"reference"`
	CheckoutRequestID string        `json:"checkoutRequestId,omitempty"`
	Status            string        `json:"status"`
	Message           string        `json:"message"`
	Risk              *RiskSnapshot `json:"risk"`
}

// InitiatePayment risk-checks a pending order and asks the gateway to
// prompt the buyer. The order stays pending until the gateway confirms.
func (s *Service) InitiatePayment(ctx context.Context, id string, req PayRequest) (*PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "orders.InitiatePayment", traces.OrderID(id))
	defer span.End()
	ctx = logging.WithOrderID(ctx, id)

	req.BuyerPhone = validation.NormalizeMSISDN(req.BuyerPhone)
	req.BuyerName = validation.SanitizeString(req.BuyerName, 500)
	if errs := validation.Validate(
		validation.ValidMSISDN("buyerPhone", req.BuyerPhone),
		validation.Length("buyerName", req.BuyerName, 2, 100),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, &StateError{Op: "pay for", Current: o.Status}
	}

	d := descriptor(o)
	assessment, err := s.assessor.Assess(ctx, d)
	if err != nil {
		s.log(ctx).Warn("risk assessment unavailable, using rules", "error", err)
		assessment = fraud.Evaluate(d)
	}
	span.SetAttributes(traces.RiskScore(assessment.Score))

	now := s.now().UTC()
	o.Risk = snapshotOf(assessment)
	o.UpdatedAt = now
	events := []*Event{s.fraudCheckEvent(o, assessment, "pre_payment", now)}

	if assessment.Score > FraudBlockThreshold {
		h, err := advance(o, StatusFlagged)
		if err != nil {
			return nil, err
		}
		blocked := s.newEvent(o, EventFraudBlocked, now)
		blocked.Status = "blocked"
		blocked.Metadata = assessment.Reason
		events = append(events, blocked)

		if err := s.commit(ctx, Change{Order: o, Events: events}, EventFraudBlocked, h); err != nil {
			return nil, err
		}
		metrics.FraudBlockedTotal.Inc()
		s.log(ctx).Warn("payment blocked by fraud check",
			"score", assessment.Score, "flags", assessment.Flags)
		return nil, fmt.Errorf("%w: %s", ErrFraudBlocked, assessment.Reason)
	}

	receipt, gwErr := s.gateway.Initiate(ctx, PaymentRequest{
		OrderID:      o.ID,
		Amount:       o.ProductPrice,
		Phone:        req.BuyerPhone,
		CustomerName: req.BuyerName,
		Description:  "Payment for " + o.ProductName,
	})
	if gwErr != nil {
		// The assessment is kept even though no payment was started.
		if err := s.commit(ctx, Change{Order: o, Events: events}, EventFraudCheck); err != nil {
			s.log(ctx).Error("failed to store risk snapshot", "error", err)
		}
		s.log(ctx).Warn("payment initiation failed", "error", gwErr)
		return nil, fmt.Errorf("%w: %w", ErrGatewayError, gwErr)
	}

	o.BuyerPhone = req.BuyerPhone
	o.BuyerName = req.BuyerName
	o.PaymentRef = receipt.Reference
	initiated := s.newEvent(o, EventPaymentInitiated, now)
	initiated.Amount = amountPtr(o.ProductPrice)
	initiated.GatewayRef = receipt.Reference
	initiated.Status = string(PaymentPending)
	events = append(events, initiated)

	if err := s.commit(ctx, Change{Order: o, Events: events}, EventPaymentInitiated); err != nil {
		// The buyer already has a prompt on their phone; the callback
		// still matches by order id.
		s.log(ctx).Error("payment initiated but order update failed",
			"reference", receipt.Reference, "error", err)
		return nil, fmt.Errorf("failed to record payment initiation: %w", err)
	}

	span.SetAttributes(traces.Reference(receipt.Reference))
	s.log(ctx).Info("payment initiated", "reference", receipt.Reference, "score", assessment.Score)
	return &PaymentResult{
		OrderID:           o.ID,
		Reference:         receipt.Reference,
		CheckoutRequestID: receipt.CheckoutRequestID,
		Status:            receipt.Status,
		Message:           "STK push sent. Please check your phone to complete payment.",
		Risk:              o.Risk,
	}, nil
}

// CallbackOutcome classifies how a payment notice was handled.
type CallbackOutcome string

const (
	OutcomePaid         CallbackOutcome = "paid"
	OutcomeFailed       CallbackOutcome = "failed"
	OutcomePending      CallbackOutcome = "pending"
	OutcomeDuplicate    CallbackOutcome = "duplicate"
	OutcomeUnknownOrder CallbackOutcome = "unknown_order"
	OutcomeMalformed    CallbackOutcome = "malformed"
	OutcomeError        CallbackOutcome = "error"
)

// HandleCallback processes a raw gateway callback. It never fails: the
// gateway only needs an acknowledgement, and problems are logged.
func (s *Service) HandleCallback(ctx context.Context, raw []byte) CallbackOutcome {
	ctx, span := traces.StartSpan(ctx, "orders.HandleCallback")
	defer span.End()

	outcome := OutcomeError
	defer func() {
		metrics.CallbacksTotal.WithLabelValues(string(outcome)).Inc()
	}()

	notice, err := s.gateway.ParseCallback(raw)
	if err != nil {
		outcome = OutcomeMalformed
		s.log(ctx).Warn("malformed payment callback", "error", err)
		return outcome
	}
	span.SetAttributes(traces.OrderID(notice.OrderID), traces.Reference(notice.Reference))
	ctx = logging.WithOrderID(ctx, notice.OrderID)

	outcome, err = s.ProcessPayment(ctx, notice)
	if err != nil {
		s.log(ctx).Warn("payment callback not applied",
			"outcome", outcome, "error", err)
	}
	return outcome
}

// ProcessPayment applies a normalized payment result. Results for orders
// that have already left pending are ignored, so replays are harmless.
func (s *Service) ProcessPayment(ctx context.Context, n *PaymentNotice) (CallbackOutcome, error) {
	if n.Status == PaymentPending {
		return OutcomePending, nil
	}
	ctx = logging.WithOrderID(ctx, n.OrderID)

	unlock, err := s.lock(ctx, n.OrderID)
	if err != nil {
		return OutcomeError, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, n.OrderID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeUnknownOrder, err
	}
	if err != nil {
		return OutcomeError, err
	}
	if o.Status != StatusPending {
		s.log(ctx).Info("ignoring payment result for settled order",
			"status", o.Status, "result", n.Status)
		return OutcomeDuplicate, nil
	}

	ref := n.Reference
	if ref == "" {
		ref = o.PaymentRef
	}
	now := s.now().UTC()

	switch n.Status {
	case PaymentFailed:
		events, err := s.store.ListEvents(ctx, o.ID)
		if err != nil {
			return OutcomeError, err
		}
		if failureRecorded(events, ref) {
			return OutcomeDuplicate, nil
		}

		// The buyer may try again with a fresh push.
		o.PaymentRef = ""
		o.UpdatedAt = now
		failed := s.newEvent(o, EventPaymentFailed, now)
		failed.GatewayRef = ref
		failed.Status = string(PaymentFailed)
		failed.Metadata = n.Description
		if err := s.commit(ctx, Change{Order: o, Events: []*Event{failed}}, EventPaymentFailed); err != nil {
			return OutcomeError, err
		}
		s.log(ctx).Info("payment failed", "reference", ref, "reason", n.Description)
		return OutcomeFailed, nil

	case PaymentSuccess:
		assessment := s.assessAfterPayment(ctx, o)
		o.Risk = snapshotOf(assessment)

		h, err := advance(o, StatusPaid)
		if err != nil {
			return OutcomeError, err
		}
		o.PaidAt = &now
		o.UpdatedAt = now

		amount := n.Amount
		if amount == 0 {
			amount = o.ProductPrice
		}
		if amount < o.ProductPrice {
			s.log(ctx).Warn("paid amount below product price",
				"paid", amount.String(), "price", o.ProductPrice.String())
		}

		completed := s.newEvent(o, EventPaymentCompleted, now)
		completed.Amount = amountPtr(amount)
		completed.GatewayRef = ref
		completed.Status = string(PaymentSuccess)
		completed.Metadata = metadata(map[string]any{
			"mpesaReceipt": n.ProviderRef,
			"phone":        n.Phone,
		})
		events := []*Event{completed, s.fraudCheckEvent(o, assessment, "post_payment", now)}
		last := EventPaymentCompleted

		if assessment.Score >= ReviewThreshold {
			flagged := s.newEvent(o, EventFraudFlaggedPostPay, now)
			flagged.Status = "flagged"
			flagged.Metadata = assessment.Reason
			events = append(events, flagged)
			last = EventFraudFlaggedPostPay
		}

		if err := s.commit(ctx, Change{Order: o, Events: events}, last, h); err != nil {
			return OutcomeError, err
		}
		if last == EventFraudFlaggedPostPay {
			s.log(ctx).Warn("paid order flagged for review", "score", assessment.Score)
		}
		s.log(ctx).Info("payment completed", "reference", ref, "amount", amount.String())
		return OutcomePaid, nil
	}

	return OutcomeError, fmt.Errorf("%w: unknown payment status %q", ErrInvalidArgument, n.Status)
}

// assessAfterPayment never fails. When the scorer cannot answer, the
// pre-payment snapshot is reused, or a neutral result if there is none.
func (s *Service) assessAfterPayment(ctx context.Context, o *Order) fraud.Assessment {
	a, err := s.assessor.Assess(ctx, descriptor(o))
	if err == nil {
		return a
	}
	s.log(ctx).Warn("post-payment assessment unavailable", "error", err)
	if o.Risk != nil {
		return fraud.Assessment{
			Score:  o.Risk.Score,
			Level:  o.Risk.Level,
			Reason: o.Risk.Reason,
			Flags:  o.Risk.Flags,
			Source: fraud.SourceRules,
		}
	}
	return fraud.Assessment{
		Score:  0,
		Level:  fraud.LevelLow,
		Reason: "assessment unavailable",
		Flags:  []string{},
		Source: fraud.SourceRules,
	}
}

// Ship marks a paid order as shipped.
func (s *Service) Ship(ctx context.Context, id string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Ship", traces.OrderID(id))
	defer span.End()
	ctx = logging.WithOrderID(ctx, id)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPaid {
		return nil, &StateError{Op: "ship", Current: o.Status}
	}

	h, err := advance(o, StatusShipped)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	o.ShippedAt = &now
	o.UpdatedAt = now

	ev := s.newEvent(o, EventOrderShipped, now)
	ev.Status = string(StatusShipped)
	if err := s.commit(ctx, Change{Order: o, Events: []*Event{ev}}, EventOrderShipped, h); err != nil {
		return nil, err
	}
	s.log(ctx).Info("order shipped")
	return o, nil
}

// Payout is the settlement of a released order.
type Payout struct {
	OrderID      string       `json:"orderId"`
	Status       Status       `json:"status"`
	SellerPayout money.Amount `json:"sellerPayout"`
	PlatformFee  money.Amount `json:"platformFee"`
	Location     *geo.Result  `json:"location,omitempty"`
	Message      string       `json:"message"`
}

// ConfirmDelivery records the buyer's receipt and releases funds to the
// seller in the same step. For high-value orders whose seller shared a
// location, buyer must be within the delivery radius of it.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, buyer *geo.Point) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "orders.ConfirmDelivery", traces.OrderID(id))
	defer span.End()
	ctx = logging.WithOrderID(ctx, id)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusShipped {
		return nil, &StateError{Op: "confirm delivery for", Current: o.Status}
	}
	if buyer != nil {
		if err := buyer.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	var loc *geo.Result
	if o.ProductPrice > HighValueThreshold && o.SellerLocation != nil {
		if buyer == nil {
			return nil, fmt.Errorf("%w: GPS location required for items over KES %s",
				ErrInvalidArgument, HighValueThreshold.String())
		}
		r := geo.Verify(*o.SellerLocation, *buyer, s.cfg.MaxDistanceKm)
		loc = &r
		if !r.Verified {
			s.log(ctx).Warn("delivery location rejected", "distanceKm", r.DistanceKm)
			return nil, fmt.Errorf("%w: %s", ErrLocationVerificationFailed, r.Message)
		}
	}

	now := s.now().UTC()
	delivered, err := advance(o, StatusDelivered)
	if err != nil {
		return nil, err
	}
	o.DeliveredAt = &now
	released, err := advance(o, StatusCompleted)
	if err != nil {
		return nil, err
	}
	o.UpdatedAt = now

	payout, fee := o.ProductPrice.Split(s.cfg.FeeBPS)

	confirmed := s.newEvent(o, EventDeliveryConfirmed, now)
	confirmed.Status = string(StatusDelivered)
	if loc != nil {
		confirmed.Metadata = metadata(loc)
	}
	events := []*Event{confirmed, s.releaseEvent(o, payout, fee, now)}

	if err := s.commit(ctx, Change{Order: o, Events: events}, EventFundsReleased, delivered, released); err != nil {
		return nil, err
	}
	recordPayout(payout, fee)
	s.log(ctx).Info("delivery confirmed, funds released",
		"payout", payout.String(), "fee", fee.String())

	return &Payout{
		OrderID:      o.ID,
		Status:       o.Status,
		SellerPayout: payout,
		PlatformFee:  fee,
		Location:     loc,
		Message:      "Delivery confirmed. Funds released to seller.",
	}, nil
}

// DisputeRequest opens a dispute on an order.
type DisputeRequest struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"`
}

// RaiseDispute freezes an order whose funds are still held.
func (s *Service) RaiseDispute(ctx context.Context, id string, req DisputeRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "orders.RaiseDispute", traces.OrderID(id))
	defer span.End()
	ctx = logging.WithOrderID(ctx, id)

	req.Reason = validation.SanitizeString(req.Reason, 5000)
	req.Evidence = validation.SanitizeString(req.Evidence, 10000)
	if errs := validation.Validate(
		validation.Length("reason", req.Reason, MinDisputeReasonLength, 2000),
		validation.MaxLength("evidence", req.Evidence, 5000),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusPaid, StatusShipped, StatusDelivered:
	default:
		return nil, &StateError{Op: "dispute", Current: o.Status}
	}

	if _, err := s.store.GetPendingDispute(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: order already has a pending dispute", ErrInvalidState)
	} else if !errors.Is(err, ErrNoPendingDispute) {
		return nil, err
	}

	h, err := advance(o, StatusDisputed)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	o.UpdatedAt = now

	d := &Dispute{
		OrderID:   o.ID,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		Status:    DisputePending,
		CreatedAt: now,
	}
	raised := s.newEvent(o, EventDisputeRaised, now)
	raised.Status = string(DisputePending)
	raised.Metadata = req.Reason

	if err := s.commit(ctx, Change{Order: o, Events: []*Event{raised}, Dispute: d}, EventDisputeRaised, h); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	s.log(ctx).Info("dispute raised", "disputeId", d.ID, "from", h.from)
	return d, nil
}

// ParseResolution validates an admin resolution value.
func ParseResolution(v string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(v))); r {
	case ResolutionRefund, ResolutionRelease:
		return r, nil
	}
	return "", fmt.Errorf("%w: resolution must be %q or %q", ErrInvalidArgument, ResolutionRefund, ResolutionRelease)
}

// ResolveResult is the outcome of an admin decision.
type ResolveResult struct {
	OrderID      string        `json:"orderId"`
	Status       Status        `json:"status"`
	Resolution   Resolution    `json:"resolution"`
	DisputeID    int64         `json:"disputeId"`
	RefundAmount *money.Amount `json:"refundAmount,omitempty"`
	SellerPayout *money.Amount `json:"sellerPayout,omitempty"`
	PlatformFee  *money.Amount `json:"platformFee,omitempty"`
}

// ResolveDispute closes the pending dispute on an order by refunding the
// buyer in full or releasing funds to the seller.
func (s *Service) ResolveDispute(ctx context.Context, id, resolution string) (*ResolveResult, error) {
	ctx, span := traces.StartSpan(ctx, "orders.ResolveDispute", traces.OrderID(id))
	defer span.End()
	ctx = logging.WithOrderID(ctx, id)

	res, err := ParseResolution(resolution)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDisputed {
		return nil, &StateError{Op: "resolve dispute for", Current: o.Status}
	}
	d, err := s.store.GetPendingDispute(ctx, id)
	if errors.Is(err, ErrNoPendingDispute) {
		return nil, fmt.Errorf("%w: no pending dispute for order", ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d.Status = DisputeResolved
	d.Resolution = res
	d.ResolvedAt = &now
	o.UpdatedAt = now

	result := &ResolveResult{OrderID: o.ID, Resolution: res, DisputeID: d.ID}
	resolved := s.newEvent(o, EventDisputeResolved, now)
	resolved.Status = string(res)
	resolved.Metadata = metadata(map[string]any{"disputeId": d.ID})
	events := []*Event{resolved}
	last := EventDisputeResolved

	var (
		h           hop
		payout, fee money.Amount
	)
	switch res {
	case ResolutionRefund:
		if h, err = advance(o, StatusRefunded); err != nil {
			return nil, err
		}
		resolved.Amount = amountPtr(o.ProductPrice)
		result.RefundAmount = amountPtr(o.ProductPrice)
	case ResolutionRelease:
		if h, err = advance(o, StatusCompleted); err != nil {
			return nil, err
		}
		payout, fee = o.ProductPrice.Split(s.cfg.FeeBPS)
		events = append(events, s.releaseEvent(o, payout, fee, now))
		last = EventFundsReleased
		result.SellerPayout = amountPtr(payout)
		result.PlatformFee = amountPtr(fee)
	}
	result.Status = o.Status

	if err := s.commit(ctx, Change{Order: o, Events: events, Dispute: d}, last, h); err != nil {
		return nil, err
	}
	if res == ResolutionRelease {
		recordPayout(payout, fee)
	}
	metrics.DisputesTotal.WithLabelValues(string(res)).Inc()
	s.log(ctx).Info("dispute resolved", "disputeId", d.ID, "resolution", res)
	return result, nil
}

// ListDisputes returns dispute tickets, newest first. An empty status
// lists all of them.
func (s *Service) ListDisputes(ctx context.Context, status string, limit int) ([]*DisputeView, error) {
	st := DisputeStatus(strings.ToLower(strings.TrimSpace(status)))
	switch st {
	case "", DisputePending, DisputeResolved:
	default:
		return nil, fmt.Errorf("%w: unknown dispute status %q", ErrInvalidArgument, status)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	views, err := s.store.ListDisputes(ctx, st, limit)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []*DisputeView{}
	}
	return views, nil
}

// RiskAdvice blends the order's fraud score with seller signals. It is
// advisory and never changes the order.
func (s *Service) RiskAdvice(ctx context.Context, id string) (*risk.Result, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var score int
	if o.Risk != nil {
		score = o.Risk.Score
	} else {
		score = fraud.Evaluate(descriptor(o)).Score
	}
	return s.advisor.Advise(ctx, score, o.SellerPhone)
}

// hop is one edge taken by a change.
type hop struct {
	from, to Status
}

// advance moves o along a lifecycle edge.
func advance(o *Order, to Status) (hop, error) {
	if !CanTransition(o.Status, to) {
		return hop{}, &StateError{Op: "move to " + string(to), Current: o.Status}
	}
	h := hop{from: o.Status, to: to}
	o.Status = to
	return h, nil
}

// commit writes the change and fans out the result.
func (s *Service) commit(ctx context.Context, ch Change, last EventType, hops ...hop) error {
	if err := s.store.Apply(ctx, ch); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	prev := ch.Order.Status
	if len(hops) > 0 {
		prev = hops[0].from
	}
	for _, h := range hops {
		metrics.OrderTransitionsTotal.WithLabelValues(string(h.from), string(h.to)).Inc()
	}
	s.notify(ctx, ch.Order, prev, last)
	return nil
}

func (s *Service) notify(ctx context.Context, o *Order, prev Status, last EventType) {
	if len(s.notifiers) == 0 {
		return
	}
	u := Update{OrderID: o.ID, Status: o.Status, Previous: prev, Event: last, At: o.UpdatedAt}
	for _, n := range s.notifiers {
		n.Notify(ctx, u)
	}
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "order:"+id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %s: %w", id, err)
	}
	return unlock, nil
}

// failureRecorded reports whether a failure for ref is already in the
// trail. Without a reference, a failure counts as recorded when no push has
// been started since the last one.
func failureRecorded(events []*Event, ref string) bool {
	if ref != "" {
		for _, e := range events {
			if e.Type == EventPaymentFailed && e.GatewayRef == ref {
				return true
			}
		}
		return false
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case EventPaymentFailed:
			return true
		case EventPaymentInitiated:
			return false
		}
	}
	return false
}

// log prefers the request-scoped logger so lines carry the request and
// order ids.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.LOr(ctx, s.logger)
}

func (s *Service) newEvent(o *Order, t EventType, at time.Time) *Event {
	return &Event{OrderID: o.ID, Type: t, CreatedAt: at}
}

func (s *Service) fraudCheckEvent(o *Order, a fraud.Assessment, stage string, at time.Time) *Event {
	ev := s.newEvent(o, EventFraudCheck, at)
	ev.Status = string(a.Level)
	ev.Metadata = metadata(map[string]any{
		"stage":  stage,
		"score":  a.Score,
		"flags":  a.Flags,
		"source": a.Source,
		"reason": a.Reason,
	})
	return ev
}

func (s *Service) releaseEvent(o *Order, payout, fee money.Amount, at time.Time) *Event {
	ev := s.newEvent(o, EventFundsReleased, at)
	ev.Amount = amountPtr(payout)
	ev.Status = "success"
	ev.Metadata = metadata(map[string]any{
		"grossAmount": o.ProductPrice,
		"platformFee": fee,
		"feeBps":      s.cfg.FeeBPS,
	})
	return ev
}

func recordPayout(payout, fee money.Amount) {
	metrics.PayoutsReleasedTotal.Add(payout.Float64())
	metrics.PlatformFeesTotal.Add(fee.Float64())
}

func descriptor(o *Order) fraud.Descriptor {
	return fraud.Descriptor{
		ProductName: o.ProductName,
		Price:       o.ProductPrice,
		Description: o.ProductDescription,
		SellerPhone: o.SellerPhone,
		Category:    o.ProductCategory,
	}
}

func metadata(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func amountPtr(a money.Amount) *money.Amount { return &a }
