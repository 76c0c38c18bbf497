package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/schema"
)

// MCPTransport loads sensor/actuator plugins that speak the Model
// Context Protocol over a stdio subprocess: connect once, ListTools to
// discover the plugin's tool surface, then dispatch each call through
// CallTool.
type MCPTransport struct{}

// Load implements TransportLoader.
func (MCPTransport) Load(ctx context.Context, m Manifest, reg *registry.Registry) ([]string, func() error, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "anse-engine", Version: "1.0.0"}, nil)

	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	session, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %q: mcp connect: %w", m.Name, err)
	}

	listResult, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("plugin %q: mcp list tools: %w", m.Name, err)
	}

	var registered []string
	for _, tool := range listResult.Tools {
		qualified := m.Name + "." + tool.Name
		toolName := tool.Name
		desc := registry.Descriptor{
			Name:        qualified,
			Description: tool.Description,
			PluginName:  m.Name,
			Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
				return callMCPTool(ctx, session, toolName, args)
			},
		}
		if err := reg.Register(desc); err != nil {
			for _, name := range registered {
				reg.Deregister(name)
			}
			session.Close()
			return nil, nil, fmt.Errorf("plugin %q: register tool %q: %w", m.Name, qualified, err)
		}
		registered = append(registered, qualified)
	}

	closeFn := func() error { return session.Close() }
	return registered, closeFn, nil
}

// callMCPTool invokes one MCP tool and converts its text content back
// into a schema.Value, mirroring executor.go's extractTextContent.
func callMCPTool(ctx context.Context, session *mcpsdk.ClientSession, toolName string, args schema.Value) (schema.Value, error) {
	nativeArgs, ok := args.Object()
	argMap := make(map[string]interface{}, len(nativeArgs))
	if ok {
		for k, v := range nativeArgs {
			argMap[k] = v.Native()
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: argMap})
	if err != nil {
		return schema.Value{}, fmt.Errorf("mcp call_tool %q: %w", toolName, err)
	}
	if result.IsError {
		return schema.Value{}, fmt.Errorf("mcp tool %q returned an error result", toolName)
	}

	text := extractMCPText(result)
	var native interface{}
	if err := json.Unmarshal([]byte(text), &native); err != nil {
		// Not JSON: return the raw text as a string Value.
		return schema.String(text), nil
	}
	return schema.FromNative(native)
}

func extractMCPText(result *mcpsdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
