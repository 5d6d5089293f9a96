package server

import (
	"context"

	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/payhero"
)

// payheroGateway adapts payhero.Client to orders.Gateway.
type payheroGateway struct {
	client *payhero.Client
}

var _ orders.Gateway = (*payheroGateway)(nil)

func (g *payheroGateway) Initiate(ctx context.Context, req orders.PaymentRequest) (*orders.PaymentReceipt, error) {
	res, err := g.client.Initiate(ctx, payhero.InitiateRequest{
		Amount:       req.Amount,
		Phone:        req.Phone,
		OrderID:      req.OrderID,
		Description:  req.Description,
		CustomerName: req.CustomerName,
	})
	if err != nil {
		return nil, err
	}
	return &orders.PaymentReceipt{
		Reference:         res.Reference,
		CheckoutRequestID: res.CheckoutRequestID,
		Status:            res.Status,
	}, nil
}

func (g *payheroGateway) ParseCallback(raw []byte) (*orders.PaymentNotice, error) {
	cb, err := g.client.ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	return &orders.PaymentNotice{
		OrderID:     cb.OrderID,
		Reference:   cb.Reference,
		Status:      paymentStatus(cb.Status),
		Amount:      cb.Amount,
		Phone:       cb.Phone,
		ProviderRef: cb.ProviderRef,
		Description: cb.Description,
		Timestamp:   cb.Timestamp,
	}, nil
}

func (g *payheroGateway) VerifyPayment(ctx context.Context, reference string) (*orders.PaymentNotice, error) {
	v, err := g.client.VerifyPayment(ctx, reference)
	if err != nil {
		return nil, err
	}
	return &orders.PaymentNotice{
		Reference:   v.Reference,
		Status:      paymentStatus(v.Status),
		Amount:      v.Amount,
		ProviderRef: v.ProviderRef,
	}, nil
}

func paymentStatus(s payhero.Status) orders.PaymentStatus {
	switch s {
	case payhero.StatusSuccess:
		return orders.PaymentSuccess
	case payhero.StatusFailed:
		return orders.PaymentFailed
	default:
		return orders.PaymentPending
	}
}
