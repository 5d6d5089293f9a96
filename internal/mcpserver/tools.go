package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Soko Pay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreatePaymentLink = mcp.NewTool("create_payment_link",
	mcp.WithDescription(
		"Create an escrow payment link for a product sold by a seller. "+
			"The buyer opens the link and pays with M-Pesa; funds are held until the buyer confirms delivery. "+
			"Returns the order id and the shareable link."),
	mcp.WithString("product_name",
		mcp.Required(),
		mcp.Description("Product name, 3 to 200 characters (e.g. 'iPhone 13 Pro 256GB')")),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Price in KES with at most two decimals (e.g. '45000')")),
	mcp.WithString("seller_phone",
		mcp.Required(),
		mcp.Description("Seller's Kenyan phone number (e.g. '0712345678' or '254712345678')")),
	mcp.WithString("seller_name",
		mcp.Required(),
		mcp.Description("Seller's display name")),
	mcp.WithString("description",
		mcp.Description("Optional product description shown to the buyer")),
	mcp.WithString("category",
		mcp.Description("Product category (e.g. 'Electronics'); defaults to 'Other'")),
	mcp.WithNumber("seller_latitude",
		mcp.Description("Seller latitude; enables delivery location checks for high-value items")),
	mcp.WithNumber("seller_longitude",
		mcp.Description("Seller longitude; required together with seller_latitude")),
)

var ToolTrackOrder = mcp.NewTool("track_order",
	mcp.WithDescription(
		"Show an order's current status, risk assessment and full event timeline "+
			"(payment, shipping, delivery, disputes)."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id (e.g. 'SP3F9A0C12B7D4')")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List dispute tickets raised by buyers, newest first. Requires admin access."),
	mcp.WithString("status",
		mcp.Description("Filter by ticket status"),
		mcp.Enum("pending", "resolved")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolOrderRisk = mcp.NewTool("order_risk",
	mcp.WithDescription(
		"Get the composite risk advisory for an order, combining the fraud score, seller reputation "+
			"and seller order velocity into an approve/review/block recommendation. Requires admin access."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id (e.g. 'SP3F9A0C12B7D4')")),
)
