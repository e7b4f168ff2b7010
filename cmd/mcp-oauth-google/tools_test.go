package main

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func callTool(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, tool := range calculatorTools {
		if tool.name != name {
			continue
		}
		result, err := tool.handler()(context.Background(), mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		if err != nil {
			t.Fatalf("%s returned error: %v", name, err)
		}
		return result
	}
	t.Fatalf("unknown tool %q", name)
	return nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("got %d content items, want 1", len(result.Content))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want mcp.TextContent", result.Content[0])
	}
	return text.Text
}

func TestCalculatorTools(t *testing.T) {
	tests := []struct {
		tool    string
		args    map[string]any
		want    string
		wantErr bool
	}{
		{tool: "add", args: map[string]any{"a": 2.0, "b": 3.0}, want: "5"},
		{tool: "subtract", args: map[string]any{"a": 1.5, "b": 4.0}, want: "-2.5"},
		{tool: "multiply", args: map[string]any{"a": 6.0, "b": 7.0}, want: "42"},
		{tool: "divide", args: map[string]any{"a": 1.0, "b": 4.0}, want: "0.25"},
		{tool: "divide", args: map[string]any{"a": 1.0, "b": 0.0}, want: "division by zero", wantErr: true},
		{tool: "add", args: map[string]any{"a": 1.0}, wantErr: true},
		{tool: "add", args: map[string]any{"a": "one", "b": 2.0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			result := callTool(t, tt.tool, tt.args)
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (%s)", result.IsError, tt.wantErr, resultText(t, result))
			}
			if tt.want != "" {
				if got := resultText(t, result); got != tt.want {
					t.Errorf("result = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestNewMCPServer_RegistersCalculatorTools(t *testing.T) {
	s := newMCPServer()

	tools := s.ListTools()
	for _, name := range []string{"add", "subtract", "multiply", "divide"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}
