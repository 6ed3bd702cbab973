package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/browser-inspector/internal/tools"
)

// Tool names exposed over MCP.
const (
	ToolCaptureWithLogs  = "get_console_logs_and_take_screenshot"
	ToolExtractElements  = "extract_elements"
	ToolGetConsoleLogs   = "get_console_logs"
	ToolGetConsoleErrors = "get_console_errors"
	ToolGetNetworkLogs   = "get_network_logs"
	ToolGetNetworkErrors = "get_network_errors"
)

// toolActions maps each MCP tool onto the runner action it performs.
var toolActions = map[string]tools.Action{
	ToolCaptureWithLogs:  tools.ActionCapture,
	ToolExtractElements:  tools.ActionExtractElements,
	ToolGetConsoleLogs:   tools.ActionConsoleLogs,
	ToolGetConsoleErrors: tools.ActionConsoleErrors,
	ToolGetNetworkLogs:   tools.ActionNetworkLogs,
	ToolGetNetworkErrors: tools.ActionNetworkErrors,
}

func targetPageProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "URL of the page to open after the optional login",
	}
}

// randomStringProperty is a placeholder some clients need to call a tool
// whose only real argument they would otherwise omit.
func randomStringProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Dummy parameter for no-parameter tools",
	}
}

func pageToolSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"targetPage":   targetPageProperty(),
		"randomString": randomStringProperty(),
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"targetPage"},
	}
}

// ToolDefinitions returns the inspector tool definitions.
func ToolDefinitions() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        ToolCaptureWithLogs,
			Description: "Open the target page (logging in first when configured), wait for it to settle, save a full-page screenshot and return the path together with every console message.",
			InputSchema: pageToolSchema(map[string]any{
				"outputPath": map[string]any{
					"type":        "string",
					"description": "Directory for the screenshot. Defaults to SCREENSHOT_PATH, then /tmp/mcp-screenshots.",
				},
			}),
		},
		{
			Name:        ToolExtractElements,
			Description: "Open the target page (logging in first when configured) and return the trimmed text of every element matching each CSS selector. When login is configured, fails if the page is still on a login URL after logging in; without login no such check is made.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"targetPage": targetPageProperty(),
					"selectors": map[string]any{
						"type":        "array",
						"description": "CSS selectors to extract text from",
						"items":       map[string]any{"type": "string"},
						"minItems":    1,
					},
				},
				"required": []string{"targetPage", "selectors"},
			},
		},
		{
			Name:        ToolGetConsoleLogs,
			Description: "Open the target page, wait for it to settle and return every console message as [type] text.",
			InputSchema: pageToolSchema(nil),
		},
		{
			Name:        ToolGetConsoleErrors,
			Description: "Open the target page, wait for it to settle and return only console messages of type error.",
			InputSchema: pageToolSchema(nil),
		},
		{
			Name:        ToolGetNetworkLogs,
			Description: "Open the target page, wait for it to settle and return every completed request as METHOD STATUS URL. HTTP error statuses appear here, not under network errors.",
			InputSchema: pageToolSchema(nil),
		},
		{
			Name:        ToolGetNetworkErrors,
			Description: "Open the target page, wait for it to settle and return requests that failed at the transport level (DNS, refused connection, aborted).",
			InputSchema: pageToolSchema(nil),
		},
	}
}
