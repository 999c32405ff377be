package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ToolResult
	}{
		{
			name: "plain string",
			in:   "hello",
			want: ToolResult{Type: "text", Text: "hello"},
		},
		{
			name: "typed map",
			in:   map[string]any{"type": "error", "text": "boom"},
			want: ToolResult{Type: "error", Text: "boom"},
		},
		{
			name: "content list",
			in: map[string]any{"content": []any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"type": "text", "text": "b"},
			}},
			want: ToolResult{Type: "text", Text: "a\nb"},
		},
		{
			name: "accounts annotation",
			in:   map[string]any{"type": "text", "text": "ok", "accounts": []any{"b@x.com", "a@x.com"}},
			want: ToolResult{Type: "text", Text: "ok", Accounts: []string{"a@x.com", "b@x.com"}},
		},
		{
			name: "nil",
			in:   nil,
			want: ToolResult{Type: "text", Text: ""},
		},
		{
			name: "structured fallback",
			in:   map[string]int{"n": 3},
			want: ToolResult{Type: "text", Text: `{"n":3}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeResult(tt.in)
			if got.Type != tt.want.Type || got.Text != tt.want.Text {
				t.Errorf("NormalizeResult() = %+v, want %+v", got, tt.want)
			}
			if len(got.Accounts) != len(tt.want.Accounts) {
				t.Fatalf("accounts = %v, want %v", got.Accounts, tt.want.Accounts)
			}
			for i := range got.Accounts {
				if got.Accounts[i] != tt.want.Accounts[i] {
					t.Errorf("accounts = %v, want %v", got.Accounts, tt.want.Accounts)
				}
			}
		})
	}
}

func TestInProcessAdapter(t *testing.T) {
	a := NewInProcessAdapter("echo", []InProcessTool{
		{
			Descriptor: ToolDescriptor{Name: "echo", Description: "echoes input"},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				return args["msg"], nil
			},
		},
		{
			Descriptor: ToolDescriptor{Name: "fail", Description: "always fails"},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, fmt.Errorf("not today")
			},
		},
	})

	if !a.IsConnected() {
		t.Fatal("in-process adapter must be connected on construction")
	}

	tools, err := a.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "echo" || tools[1].Name != "fail" {
		t.Fatalf("unexpected tool listing: %+v", tools)
	}
	if tools[0].Provider != "echo" {
		t.Errorf("tool provider = %q, want %q", tools[0].Provider, "echo")
	}

	res, err := a.CallTool(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Type != "text" || res.Text != "hi" {
		t.Errorf("CallTool result = %+v", res)
	}

	res, err = a.CallTool(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("tool errors must surface as error results, got %v", err)
	}
	if !res.IsError() || res.Text != "not today" {
		t.Errorf("CallTool fail result = %+v", res)
	}

	if _, err := a.CallTool(context.Background(), "nope", nil); err == nil {
		t.Error("unknown tool must return an error")
	}

	closed := false
	a.SetOnClose(func() error { closed = true; return nil })
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Error("close hook not invoked")
	}
	if a.IsConnected() {
		t.Error("adapter still connected after Close")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterInProcess(ProviderSpec{Key: "memory", Scope: ScopePerRole}, func(tokenData map[string]any) (Adapter, error) {
		return NewInProcessAdapter("memory", nil), nil
	})
	r.RegisterSubprocess(ProviderSpec{Key: "gmail", Command: "gmail-adapter", Auth: AuthOAuthGoogle})

	if !r.IsInProcess("memory") {
		t.Error("memory must be in-process")
	}
	if r.IsInProcess("gmail") {
		t.Error("gmail must not be in-process")
	}
	if r.IsInProcess("unknown") {
		t.Error("unknown provider must not be in-process")
	}

	a, err := r.Create("memory", CreateOptions{})
	if err != nil {
		t.Fatalf("Create(memory): %v", err)
	}
	if !a.IsConnected() {
		t.Error("in-process adapter must start connected")
	}

	if _, err := r.Create("unknown", CreateOptions{}); err == nil {
		t.Error("Create(unknown) must fail")
	}

	// Swapping subprocess specs must not disturb in-process registrations.
	r.ReplaceSubprocessSpecs([]ProviderSpec{{Key: "drive", Command: "drive-adapter"}})
	if _, ok := r.Spec("gmail"); ok {
		t.Error("gmail spec should have been replaced")
	}
	if _, ok := r.Spec("drive"); !ok {
		t.Error("drive spec missing after replace")
	}
	if !r.IsInProcess("memory") {
		t.Error("memory registration lost on replace")
	}
}

// fakeProcess wires a scripted responder to the adapter's stdio.
type fakeProcess struct {
	stdinW  io.WriteCloser
	stdoutR io.Reader
	done    chan struct{}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return nil }
func (p *fakeProcess) Kill() error           { return nil }
func (p *fakeProcess) Wait() error           { <-p.done; return nil }

type fakeLauncher struct {
	respond func(req stdioRequest) any
}

func (l fakeLauncher) Launch(ctx context.Context, spec ProviderSpec, workDir string, env map[string]string) (Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stdoutW.Close()
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req stdioRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			result, _ := json.Marshal(l.respond(req))
			resp, _ := json.Marshal(stdioResponse{ID: req.ID, Result: result})
			stdoutW.Write(append(resp, '\n'))
		}
	}()

	return &fakeProcess{stdinW: stdinW, stdoutR: stdoutR, done: done}, nil
}

func TestStdioAdapterRoundTrip(t *testing.T) {
	launcher := fakeLauncher{respond: func(req stdioRequest) any {
		switch req.Method {
		case "list_tools":
			return map[string]any{"tools": []ToolDescriptor{
				{Name: "get_quote", Description: "stock quote"},
			}}
		case "call_tool":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			json.Unmarshal(req.Params, &params)
			return ToolResult{Type: "text", Text: "quote for " + fmt.Sprint(params.Arguments["symbol"])}
		default:
			return map[string]any{}
		}
	}}

	a := NewStdioAdapter(ProviderSpec{Key: "alpha_vantage", Command: "fake"}, "", nil, launcher)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Close()

	if !a.IsConnected() {
		t.Fatal("adapter not connected after Connect")
	}

	tools, err := a.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_quote" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if tools[0].Provider != "alpha_vantage" {
		t.Errorf("provider not stamped on descriptor: %+v", tools[0])
	}

	res, err := a.CallTool(context.Background(), "get_quote", map[string]any{"symbol": "AAPL"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text != "quote for AAPL" {
		t.Errorf("CallTool result = %+v", res)
	}
}

func TestStdioAdapterDisconnected(t *testing.T) {
	a := NewStdioAdapter(ProviderSpec{Key: "x", Command: "fake"}, "", nil, fakeLauncher{})
	_, err := a.CallTool(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("call on disconnected adapter must fail")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Errorf("want TransientError, got %T: %v", err, err)
	}
}
