package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/toolwatch/toolwatch/internal/event"
)

// JSPlugin runs a JavaScript approval plugin in an embedded runtime.
// The script must define an evaluate(event) function returning
// {approved: bool, reason?: string} (or a JSON string of the same
// shape).
type JSPlugin struct {
	mu       sync.Mutex // goja VMs are not goroutine-safe
	vm       *goja.Runtime
	evaluate goja.Callable
	path     string
}

// NewJSPlugin loads and validates a JavaScript plugin file.
func NewJSPlugin(path string) (Plugin, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin file: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunScript(path, string(source)); err != nil {
		return nil, fmt.Errorf("evaluating plugin source: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("evaluate"))
	if !ok {
		return nil, fmt.Errorf("plugin %s does not export an evaluate function", path)
	}

	return &JSPlugin{vm: vm, evaluate: fn, path: path}, nil
}

// Evaluate invokes the script's evaluate function with the event as a
// plain object. Cancelling the context interrupts the VM.
func (p *JSPlugin) Evaluate(ctx context.Context, ev *event.ToolCallEvent) (*event.ApprovalResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	evMap, err := eventToMap(ev)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	result, err := p.evaluate(goja.Undefined(), p.vm.ToValue(evMap))
	if err != nil {
		p.vm.ClearInterrupt()
		return nil, fmt.Errorf("plugin %s: %w", p.path, err)
	}

	return parseResult(result.Export())
}

func eventToMap(ev *event.ToolCallEvent) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return m, nil
}

func parseResult(raw any) (*event.ApprovalResponse, error) {
	switch v := raw.(type) {
	case map[string]any:
		resp := &event.ApprovalResponse{}
		if approved, ok := v["approved"].(bool); ok {
			resp.Approved = approved
		}
		if reason, ok := v["reason"].(string); ok {
			resp.Reason = reason
		}
		return resp, nil
	case string:
		var resp event.ApprovalResponse
		if err := json.Unmarshal([]byte(v), &resp); err != nil {
			return nil, fmt.Errorf("plugin returned unparseable string result: %w", err)
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("plugin returned unexpected result type %T", raw)
	}
}
