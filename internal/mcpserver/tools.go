package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the upiramp MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListAvailableRequests = mcp.NewTool("list_available_requests",
	mcp.WithDescription(
		"List payment requests a payer can commit to right now. "+
			"Includes pending requests and committed ones whose 5 minute commitment window has lapsed. "+
			"Each entry shows the INR fiat amount to pay over UPI and the settlement amount released on fulfilment."),
)

var ToolGetRequest = mcp.NewTool("get_request",
	mcp.WithDescription(
		"Get one payment request by id, including status, payer, commitment expiry and request expiry."),
	mcp.WithNumber("request_id",
		mcp.Required(),
		mcp.Description("The payment request id (a positive integer)")),
)

var ToolCommitRequest = mcp.NewTool("commit_request",
	mcp.WithDescription(
		"Commit to pay a request. Gives you an exclusive 5 minute window to send the UPI payment "+
			"and call fulfill_request. You cannot commit to your own request."),
	mcp.WithNumber("request_id",
		mcp.Required(),
		mcp.Description("The payment request id")),
)

var ToolFulfillRequest = mcp.NewTool("fulfill_request",
	mcp.WithDescription(
		"Submit the UPI transaction reference for a request you committed to. "+
			"Releases the settlement amount and payer fee to you. "+
			"The proof token must be exactly 12 decimal digits."),
	mcp.WithNumber("request_id",
		mcp.Required(),
		mcp.Description("The payment request id")),
	mcp.WithString("proof_token",
		mcp.Required(),
		mcp.Description("12 digit UPI transaction reference, e.g. '412345678901'")),
)

var ToolCreateRequest = mcp.NewTool("create_request",
	mcp.WithDescription(
		"Create a payment request asking someone to pay you INR over UPI in exchange for settlement asset "+
			"held in custody. The fee payment covers the platform fee; the remainder goes to the payer on fulfilment."),
	mcp.WithNumber("fiat_amount",
		mcp.Required(),
		mcp.Description("INR amount the payer sends over UPI")),
	mcp.WithString("settlement_amount",
		mcp.Required(),
		mcp.Description("Settlement asset amount to lock, e.g. '12.50'")),
	mcp.WithString("fee_payment",
		mcp.Required(),
		mcp.Description("Native fee amount, at least the platform fee, e.g. '0.002'")),
)

var ToolCancelRequest = mcp.NewTool("cancel_request",
	mcp.WithDescription(
		"Cancel one of your own pending or committed requests. "+
			"Refunds the settlement amount and payer fee to you."),
	mcp.WithNumber("request_id",
		mcp.Required(),
		mcp.Description("The payment request id")),
)

var ToolCheckBalances = mcp.NewTool("check_balances",
	mcp.WithDescription(
		"Check native and settlement asset balances on the upiramp ledger."),
	mcp.WithString("address",
		mcp.Description("Address to check (defaults to your configured address)")),
)
