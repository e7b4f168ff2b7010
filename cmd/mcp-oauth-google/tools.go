package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	oauth "github.com/suleymangunel/mcp-oauth-google"
)

const mcpServerName = "Demo"

var errDivisionByZero = errors.New("division by zero")

// binaryOp is a calculator operation on the tool's a and b arguments.
type binaryOp func(a, b float64) (float64, error)

type calculatorTool struct {
	name        string
	description string
	op          binaryOp
}

var calculatorTools = []calculatorTool{
	{
		name:        "add",
		description: "Add two numbers",
		op:          func(a, b float64) (float64, error) { return a + b, nil },
	},
	{
		name:        "subtract",
		description: "Subtract two numbers",
		op:          func(a, b float64) (float64, error) { return a - b, nil },
	},
	{
		name:        "multiply",
		description: "Multiply two numbers",
		op:          func(a, b float64) (float64, error) { return a * b, nil },
	},
	{
		name:        "divide",
		description: "Divide two numbers",
		op: func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errDivisionByZero
			}
			return a / b, nil
		},
	},
}

// newMCPServer returns the MCP server exposed behind the bearer guard.
func newMCPServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(mcpServerName, version,
		mcpserver.WithToolCapabilities(false),
	)

	for _, t := range calculatorTools {
		s.AddTool(mcp.NewTool(t.name,
			mcp.WithDescription(t.description),
			mcp.WithNumber("a", mcp.Required(), mcp.Description("First operand")),
			mcp.WithNumber("b", mcp.Required(), mcp.Description("Second operand")),
		), t.handler())
	}

	return s
}

func (t calculatorTool) handler() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := request.RequireFloat("a")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := request.RequireFloat("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if token, ok := oauth.AccessTokenFromContext(ctx); ok {
			slog.Debug("Tool called", "tool", t.name, "client_id", token.ClientID)
		}

		result, err := t.op(a, b)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(strconv.FormatFloat(result, 'f', -1, 64)), nil
	}
}
