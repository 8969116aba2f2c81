package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// PluginConfig describes how to launch and identify a tool provider
// subprocess speaking MCP over stdio.
type PluginConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Plugin manages one MCP tool provider subprocess. Requests are serialized
// over the stdio pipe; one in-flight call at a time.
type Plugin struct {
	config PluginConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
}

const pluginCallTimeout = 30 * time.Second

// StartPlugin launches the provider subprocess and performs the MCP
// initialize handshake.
func StartPlugin(ctx context.Context, config PluginConfig, logger *slog.Logger) (*Plugin, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pluginCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pluginCtx, config.Command, config.Args...)
	cmd.Env = config.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start plugin %q: %w", config.Name, err)
	}

	p := &Plugin{
		config: config,
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		cancel: cancel,
		logger: logger,
		nextID: 1,
	}

	if _, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "proactor",
			"version": "1.0.0",
		},
	}); err != nil {
		p.Stop()
		return nil, fmt.Errorf("handshake with plugin %q: %w", config.Name, err)
	}

	logger.Info("tool plugin started", slog.String("plugin", config.Name))
	return p, nil
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string { return p.config.Name }

// Discover sends a tools/list request and returns the provider's tools,
// each wired back through this plugin for execution.
func (p *Plugin) Discover(ctx context.Context) ([]Tool, error) {
	result, err := p.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list from plugin %q: %w", p.config.Name, err)
	}

	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list from plugin %q: %w", p.config.Name, err)
	}

	ts := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		ts = append(ts, &remoteTool{
			plugin:      p,
			name:        t.Name,
			description: t.Description,
			inputSchema: t.InputSchema,
		})
	}
	return ts, nil
}

// Stop terminates the subprocess.
func (p *Plugin) Stop() {
	p.cancel()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// call issues one JSON-RPC request over stdio and waits for its response.
// Messages are newline-delimited JSON.
func (p *Plugin) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	type rpcResponse struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	done := make(chan *rpcResponse, 1)
	fail := make(chan error, 1)
	go func() {
		for {
			line, err := p.reader.ReadBytes('\n')
			if err != nil {
				fail <- err
				return
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue // skip notifications and noise
			}
			if resp.ID != id {
				continue
			}
			done <- &resp
			return
		}
	}()

	select {
	case resp := <-done:
		if resp.Error != nil {
			return nil, fmt.Errorf("plugin %q %s: %s", p.config.Name, method, resp.Error.Message)
		}
		return resp.Result, nil
	case err := <-fail:
		return nil, fmt.Errorf("read %s response: %w", method, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pluginCallTimeout):
		return nil, fmt.Errorf("plugin %q %s: timeout", p.config.Name, method)
	}
}

// remoteTool executes through its owning plugin via tools/call.
type remoteTool struct {
	plugin      *Plugin
	name        string
	description string
	inputSchema json.RawMessage
}

func (t *remoteTool) Name() string                 { return t.name }
func (t *remoteTool) Description() string          { return t.description }
func (t *remoteTool) InputSchema() json.RawMessage { return t.inputSchema }

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	result, err := t.plugin.call(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("decode tools/call result for %q: %w", t.name, err)
	}

	var text string
	for _, c := range decoded.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	if decoded.IsError {
		return &Result{Success: false, Error: text}, nil
	}

	// Providers that return JSON payloads get them decoded; plain text
	// passes through as-is.
	var payload any = text
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		payload = parsed
	}
	return &Result{Success: true, Result: payload}, nil
}
