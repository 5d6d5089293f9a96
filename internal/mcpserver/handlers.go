package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/sokopay/internal/money"
	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/risk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SokoPayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SokoPayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreatePaymentLink creates an order and returns its link.
func (h *Handlers) HandleCreatePaymentLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("product_name", "")
	priceStr := req.GetString("price", "")
	phone := req.GetString("seller_phone", "")
	seller := req.GetString("seller_name", "")
	if name == "" || priceStr == "" || phone == "" || seller == "" {
		return mcp.NewToolResultError("product_name, price, seller_phone and seller_name are required"), nil
	}

	price, ok := money.Parse(priceStr)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid price %q: use a positive amount with at most two decimals", priceStr)), nil
	}

	body := orders.CreateRequest{
		ProductName:        name,
		ProductPrice:       price,
		ProductDescription: req.GetString("description", ""),
		ProductCategory:    req.GetString("category", ""),
		SellerPhone:        phone,
		SellerName:         seller,
	}

	args := req.GetArguments()
	_, hasLat := args["seller_latitude"]
	_, hasLon := args["seller_longitude"]
	if hasLat != hasLon {
		return mcp.NewToolResultError("seller_latitude and seller_longitude must be given together"), nil
	}
	if hasLat {
		lat := req.GetFloat("seller_latitude", 0)
		lon := req.GetFloat("seller_longitude", 0)
		body.SellerLatitude, body.SellerLongitude = &lat, &lon
	}

	created, err := h.client.CreatePaymentLink(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create payment link: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment link created for %s (KES %s)\n", name, price)
	fmt.Fprintf(&sb, "Order ID: %s\n", created.OrderID)
	fmt.Fprintf(&sb, "Link: %s\n\n", created.PaymentLink)
	sb.WriteString("Share the link with the buyer. Funds are held in escrow until the buyer confirms delivery.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleTrackOrder shows an order and its timeline.
func (h *Handlers) HandleTrackOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	tracking, err := h.client.TrackOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to track order: %v", err)), nil
	}
	if tracking.Order == nil {
		return mcp.NewToolResultError("Order not found"), nil
	}
	return mcp.NewToolResultText(formatTracking(tracking)), nil
}

// HandleListDisputes lists dispute tickets.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	disputes, err := h.client.ListDisputes(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDisputes(disputes)), nil
}

// HandleOrderRisk shows the composite risk advisory.
func (h *Handlers) HandleOrderRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	result, err := h.client.OrderRisk(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk advisory: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRisk(id, result)), nil
}

// --- formatting ---

func formatTracking(t *orders.Tracking) string {
	o := t.Order
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s: %s\n", o.ID, o.Status)
	fmt.Fprintf(&sb, "  Product: %s (KES %s)\n", o.ProductName, o.ProductPrice)
	fmt.Fprintf(&sb, "  Seller:  %s\n", o.SellerName)
	if o.BuyerName != "" {
		fmt.Fprintf(&sb, "  Buyer:   %s\n", o.BuyerName)
	}
	if o.Risk != nil {
		fmt.Fprintf(&sb, "  Risk:    %d (%s)", o.Risk.Score, o.Risk.Level)
		if len(o.Risk.Flags) > 0 {
			fmt.Fprintf(&sb, " flags: %s", strings.Join(o.Risk.Flags, ", "))
		}
		sb.WriteString("\n")
	}

	if len(t.Events) == 0 {
		return sb.String()
	}
	sb.WriteString("\nTimeline:\n")
	for _, e := range t.Events {
		fmt.Fprintf(&sb, "  %s  %s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type)
		if e.Amount != nil {
			fmt.Fprintf(&sb, "  KES %s", e.Amount)
		}
		if e.GatewayRef != "" {
			fmt.Fprintf(&sb, "  ref %s", e.GatewayRef)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatDisputes(disputes []orders.DisputeView) string {
	if len(disputes) == 0 {
		return "No disputes found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d dispute(s):\n\n", len(disputes))
	for i, d := range disputes {
		fmt.Fprintf(&sb, "%d. #%d on order %s [%s]\n", i+1, d.ID, d.OrderID, d.Status)
		fmt.Fprintf(&sb, "   %s, KES %s, seller %s\n", d.ProductName, d.ProductPrice, d.SellerName)
		fmt.Fprintf(&sb, "   Reason: %s\n", d.Reason)
		if d.Resolution != "" {
			fmt.Fprintf(&sb, "   Resolution: %s\n", d.Resolution)
		}
		if i < len(disputes)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatRisk(orderID string, r *risk.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk advisory for %s:\n", orderID)
	fmt.Fprintf(&sb, "  Score: %d\n", r.FinalScore)
	fmt.Fprintf(&sb, "  Recommendation: %s\n", r.Recommendation)
	fmt.Fprintf(&sb, "  AI risk: %d | Reputation risk: %d | Velocity risk: %d\n",
		r.Breakdown.AIRisk, r.Breakdown.ReputationRisk, r.Breakdown.VelocityRisk)
	return sb.String()
}
