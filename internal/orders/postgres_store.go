package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/sokopay/internal/fraud"
	"github.com/mbd888/sokopay/internal/geo"
	"github.com/mbd888/sokopay/internal/money"
)

// PostgresStore persists orders, events and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, product_name, product_price, product_description, product_category,
		       seller_phone, seller_name, seller_lat, seller_lon, buyer_phone, buyer_name,
		       status, payment_link, payment_ref,
		       risk_score, risk_level, risk_flags, risk_reason,
		       created_at, updated_at, paid_at, shipped_at, delivered_at, version`

func (p *PostgresStore) Create(ctx context.Context, o *Order, events ...*Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	lat, lon := nullPoint(o.SellerLocation)
	score, level, flags, reason := riskColumns(o.Risk)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, product_name, product_price, product_description, product_category,
			seller_phone, seller_name, seller_lat, seller_lon, buyer_phone, buyer_name,
			status, payment_link, payment_ref,
			risk_score, risk_level, risk_flags, risk_reason,
			created_at, updated_at, paid_at, shipped_at, delivered_at, version
		) VALUES (
			$1, $2, $3::NUMERIC(14,2), $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23, 1
		)`,
		o.ID, o.ProductName, o.ProductPrice.String(), nullString(o.ProductDescription), o.ProductCategory,
		o.SellerPhone, o.SellerName, lat, lon, nullString(o.BuyerPhone), nullString(o.BuyerName),
		string(o.Status), o.PaymentLink, nullString(o.PaymentRef),
		score, level, flags, reason,
		o.CreatedAt, o.UpdatedAt, nullTime(o.PaidAt), nullTime(o.ShippedAt), nullTime(o.DeliveredAt),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("order %s already exists", o.ID)
		}
		return err
	}

	ids, err := insertEvents(ctx, tx, events)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	o.Version = 1
	for i, e := range events {
		e.ID = ids[i]
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// Apply writes the order, its new events and any dispute change in one
// transaction. The order row is only updated if its version still matches.
func (p *PostgresStore) Apply(ctx context.Context, ch Change) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	o := ch.Order
	score, level, flags, reason := riskColumns(o.Risk)
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, buyer_phone = $2, buyer_name = $3, payment_ref = $4,
			risk_score = $5, risk_level = $6, risk_flags = $7, risk_reason = $8,
			updated_at = $9, paid_at = $10, shipped_at = $11, delivered_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		string(o.Status), nullString(o.BuyerPhone), nullString(o.BuyerName), nullString(o.PaymentRef),
		score, level, flags, reason,
		o.UpdatedAt, nullTime(o.PaidAt), nullTime(o.ShippedAt), nullTime(o.DeliveredAt),
		o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	ids, err := insertEvents(ctx, tx, ch.Events)
	if err != nil {
		return err
	}

	var disputeID int64
	if d := ch.Dispute; d != nil {
		if d.ID == 0 {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO disputes (order_id, reason, evidence, status, resolution, created_at, resolved_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				d.OrderID, d.Reason, nullString(d.Evidence), string(d.Status),
				nullString(string(d.Resolution)), d.CreatedAt, nullTime(d.ResolvedAt),
			).Scan(&disputeID)
			if err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
					return fmt.Errorf("%w: order already has a pending dispute", ErrInvalidState)
				}
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE disputes SET status = $1, resolution = $2, resolved_at = $3
				WHERE id = $4`,
				string(d.Status), nullString(string(d.Resolution)), nullTime(d.ResolvedAt), d.ID,
			); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	o.Version++
	for i, e := range ch.Events {
		e.ID = ids[i]
	}
	if disputeID != 0 {
		ch.Dispute.ID = disputeID
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*Event) ([]int64, error) {
	ids := make([]int64, len(events))
	for i, e := range events {
		var amount sql.NullString
		if e.Amount != nil {
			amount = sql.NullString{String: e.Amount.String(), Valid: true}
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO transaction_events (order_id, event_type, amount, status, gateway_ref, metadata, created_at)
			VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5, $6, $7)
			RETURNING id`,
			e.OrderID, string(e.Type), amount, nullString(e.Status),
			nullString(e.GatewayRef), nullString(e.Metadata), e.CreatedAt,
		).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("insert %s event: %w", e.Type, err)
		}
	}
	return ids, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, orderID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, amount, status, gateway_ref, metadata, created_at
		FROM transaction_events
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Event{}
	for rows.Next() {
		var (
			e                                Event
			eventType                        string
			amount, status, gatewayRef, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &eventType, &amount, &status, &gatewayRef, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Status = status.String
		e.GatewayRef = gatewayRef.String
		e.Metadata = meta.String
		if amount.Valid {
			a, ok := money.Parse(amount.String)
			if !ok {
				return nil, fmt.Errorf("event %d: invalid amount %q", e.ID, amount.String)
			}
			e.Amount = &a
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

const disputeColumns = `d.id, d.order_id, d.reason, d.evidence, d.status, d.resolution, d.created_at, d.resolved_at`

func (p *PostgresStore) GetPendingDispute(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes d
		WHERE d.order_id = $1 AND d.status = 'pending'
		ORDER BY d.id DESC
		LIMIT 1`, orderID)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingDispute
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeView, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`,
		       o.product_name, o.product_price, o.seller_name, o.seller_phone,
		       o.buyer_name, o.buyer_phone, o.status
		FROM disputes d
		JOIN orders o ON o.id = d.order_id
		WHERE $1::TEXT = '' OR d.status = $1::TEXT
		ORDER BY d.created_at DESC, d.id DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DisputeView
	for rows.Next() {
		var (
			v                     DisputeView
			evidence, resolution  sql.NullString
			resolvedAt            sql.NullTime
			dStatus, oStatus      string
			price                 string
			buyerName, buyerPhone sql.NullString
		)
		err := rows.Scan(
			&v.ID, &v.OrderID, &v.Reason, &evidence, &dStatus, &resolution, &v.CreatedAt, &resolvedAt,
			&v.ProductName, &price, &v.SellerName, &v.SellerPhone,
			&buyerName, &buyerPhone, &oStatus,
		)
		if err != nil {
			return nil, err
		}
		v.Evidence = evidence.String
		v.Status = DisputeStatus(dStatus)
		v.Resolution = Resolution(resolution.String)
		if resolvedAt.Valid {
			v.ResolvedAt = &resolvedAt.Time
		}
		v.ProductPrice, _ = money.Parse(price)
		v.BuyerName = buyerName.String
		v.BuyerPhone = buyerPhone.String
		v.OrderStatus = Status(oStatus)
		result = append(result, &v)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending'
		  AND payment_ref IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountSellerOrdersSince(ctx context.Context, sellerPhone string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE seller_phone = $1 AND created_at >= $2`, sellerPhone, since).Scan(&n)
	return n, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		price                        string
		description                  sql.NullString
		lat, lon                     sql.NullFloat64
		buyerPhone, buyerName        sql.NullString
		status                       string
		paymentRef                   sql.NullString
		riskScore                    sql.NullInt64
		riskLevel, riskReason        sql.NullString
		riskFlags                    pq.StringArray
		paidAt, shippedAt, delivered sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.ProductName, &price, &description, &o.ProductCategory,
		&o.SellerPhone, &o.SellerName, &lat, &lon, &buyerPhone, &buyerName,
		&status, &o.PaymentLink, &paymentRef,
		&riskScore, &riskLevel, &riskFlags, &riskReason,
		&o.CreatedAt, &o.UpdatedAt, &paidAt, &shippedAt, &delivered, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	amount, ok := money.Parse(price)
	if !ok {
		return nil, fmt.Errorf("order %s: invalid price %q", o.ID, price)
	}
	o.ProductPrice = amount
	o.ProductDescription = description.String
	o.Status = Status(status)
	o.BuyerPhone = buyerPhone.String
	o.BuyerName = buyerName.String
	o.PaymentRef = paymentRef.String
	if lat.Valid && lon.Valid {
		o.SellerLocation = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	if riskScore.Valid {
		flags := []string(riskFlags)
		if flags == nil {
			flags = []string{}
		}
		o.Risk = &RiskSnapshot{
			Score:  int(riskScore.Int64),
			Level:  fraud.Level(riskLevel.String),
			Flags:  flags,
			Reason: riskReason.String,
		}
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if delivered.Valid {
		o.DeliveredAt = &delivered.Time
	}
	return o, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		evidence, resolution sql.NullString
		status               string
		resolvedAt           sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.OrderID, &d.Reason, &evidence, &status, &resolution, &d.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Evidence = evidence.String
	d.Status = DisputeStatus(status)
	d.Resolution = Resolution(resolution.String)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func riskColumns(r *RiskSnapshot) (sql.NullInt64, sql.NullString, interface{}, sql.NullString) {
	if r == nil {
		return sql.NullInt64{}, sql.NullString{}, pq.Array([]string{}), sql.NullString{}
	}
	flags := r.Flags
	if flags == nil {
		flags = []string{}
	}
	return sql.NullInt64{Int64: int64(r.Score), Valid: true},
		nullString(string(r.Level)),
		pq.Array(flags),
		nullString(r.Reason)
}

func nullPoint(p *geo.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lon, Valid: true}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
