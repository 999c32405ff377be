package adapter

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Process is a running adapter child with attached standard streams. The host
// launcher backs it with exec.Cmd; the sandbox launcher backs it with a
// container.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Kill() error
	Wait() error
}

// Launcher starts an adapter process for a provider descriptor.
type Launcher interface {
	Launch(ctx context.Context, spec ProviderSpec, workDir string, env map[string]string) (Process, error)
}

const (
	stdioCallTimeout = 30 * time.Second
	stdioLineLimit   = 1024 * 1024
)

// wire protocol frames: one JSON object per line in each direction.

type stdioRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type stdioResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *stdioErrorBody `json:"error,omitempty"`
}

type stdioErrorBody struct {
	Message string `json:"message"`
}

// StdioAdapter wraps a child process speaking newline-delimited JSON
// request/response frames on its standard I/O. Requests are matched to
// responses by id; process exit flips the adapter to disconnected.
type StdioAdapter struct {
	spec     ProviderSpec
	workDir  string
	env      map[string]string
	launcher Launcher

	mu        sync.Mutex
	process   Process
	stdin     io.WriteCloser
	pending   map[int64]chan stdioResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64
	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewStdioAdapter builds a subprocess adapter. Connect spawns the child.
func NewStdioAdapter(spec ProviderSpec, workDir string, env map[string]string, launcher Launcher) *StdioAdapter {
	return &StdioAdapter{
		spec:     spec,
		workDir:  workDir,
		env:      env,
		launcher: launcher,
		pending:  make(map[int64]chan stdioResponse),
	}
}

// Connect spawns the child process and starts the read loops.
func (a *StdioAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected.Load() {
		return nil
	}
	if a.spec.Command == "" && !a.spec.Sandbox {
		return fmt.Errorf("provider %s: command is required for subprocess transport", a.spec.Key)
	}

	env := make(map[string]string, len(a.spec.Env)+len(a.env))
	for k, v := range a.spec.Env {
		env[k] = v
	}
	for k, v := range a.env {
		env[k] = v
	}

	proc, err := a.launcher.Launch(ctx, a.spec, a.workDir, env)
	if err != nil {
		return fmt.Errorf("failed to launch adapter %s: %w", a.spec.Key, err)
	}

	a.process = proc
	a.stdin = proc.Stdin()
	a.stop = make(chan struct{})
	a.connected.Store(true)

	a.wg.Add(1)
	go a.readLoop(proc.Stdout())

	if stderr := proc.Stderr(); stderr != nil {
		a.wg.Add(1)
		go a.logStderr(stderr)
	}

	a.wg.Add(1)
	go a.waitExit(proc)

	return nil
}

func (a *StdioAdapter) IsConnected() bool { return a.connected.Load() }

// Reconnect tears down the current child (if any) and spawns a fresh one.
func (a *StdioAdapter) Reconnect(ctx context.Context) error {
	a.teardown()
	return a.Connect(ctx)
}

// Close terminates the child and waits for the read loops to drain.
func (a *StdioAdapter) Close() error {
	a.teardown()
	return nil
}

func (a *StdioAdapter) teardown() {
	a.mu.Lock()
	proc := a.process
	stdin := a.stdin
	stop := a.stop
	a.process = nil
	a.stdin = nil
	a.stop = nil
	a.mu.Unlock()

	if !a.connected.Swap(false) && proc == nil {
		return
	}
	if stop != nil {
		close(stop)
	}
	if stdin != nil {
		stdin.Close()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	a.wg.Wait()

	// Fail anything still waiting for a response.
	a.pendingMu.Lock()
	for id, ch := range a.pending {
		select {
		case ch <- stdioResponse{ID: id, Error: &stdioErrorBody{Message: "adapter closed"}}:
		default:
		}
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()
}

func (a *StdioAdapter) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := a.call(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("malformed list_tools response: %w", err)}
	}
	for i := range body.Tools {
		body.Tools[i].Provider = a.spec.Key
	}
	return body.Tools, nil
}

func (a *StdioAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to encode call_tool params: %w", err)
	}
	raw, err := a.call(ctx, "call_tool", params)
	if err != nil {
		return ToolResult{}, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ToolResult{}, &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("malformed call_tool response: %w", err)}
	}
	if res.Type == "" {
		res.Type = "text"
	}
	return res, nil
}

func (a *StdioAdapter) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := a.call(ctx, "list_resources", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("malformed list_resources response: %w", err)}
	}
	return body.Resources, nil
}

func (a *StdioAdapter) ReadResource(ctx context.Context, uri string) ([]byte, string, error) {
	params, err := json.Marshal(map[string]any{"uri": uri})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode read_resource params: %w", err)
	}
	raw, err := a.call(ctx, "read_resource", params)
	if err != nil {
		return nil, "", err
	}
	var body struct {
		Data      string `json:"data"`
		MediaType string `json:"media_type"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, "", &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("malformed read_resource response: %w", err)}
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return nil, "", &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("malformed resource payload: %w", err)}
	}
	return data, body.MediaType, nil
}

// call sends one request frame and waits for the matching response.
func (a *StdioAdapter) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !a.connected.Load() {
		return nil, &TransientError{Provider: a.spec.Key, Err: fmt.Errorf("not connected")}
	}

	id := a.nextID.Add(1)
	req := stdioRequest{ID: id, Method: method, Params: params}

	respCh := make(chan stdioResponse, 1)
	a.pendingMu.Lock()
	a.pending[id] = respCh
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	a.mu.Lock()
	stdin := a.stdin
	stop := a.stop
	a.mu.Unlock()
	if stdin == nil {
		return nil, &TransientError{Provider: a.spec.Key, Err: fmt.Errorf("not connected")}
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return nil, &TransientError{Provider: a.spec.Key, Err: fmt.Errorf("write request: %w", err)}
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &FatalError{Provider: a.spec.Key, Err: fmt.Errorf("%s", resp.Error.Message)}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(stdioCallTimeout):
		return nil, &TransientError{Provider: a.spec.Key, Err: fmt.Errorf("request timeout after %v", stdioCallTimeout)}
	case <-stop:
		return nil, &TransientError{Provider: a.spec.Key, Err: fmt.Errorf("adapter closed")}
	}
}

func (a *StdioAdapter) readLoop(stdout io.Reader) {
	defer a.wg.Done()
	defer a.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, stdioLineLimit), stdioLineLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp stdioResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Printf("adapter %s: discarding malformed frame: %v", a.spec.Key, err)
			continue
		}
		a.pendingMu.Lock()
		if ch, ok := a.pending[resp.ID]; ok {
			select {
			case ch <- resp:
			default:
			}
			delete(a.pending, resp.ID)
		}
		a.pendingMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("adapter %s: stdout scanner error: %v", a.spec.Key, err)
	}
}

func (a *StdioAdapter) logStderr(stderr io.Reader) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, stdioLineLimit), stdioLineLimit)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Printf("adapter %s stderr: %s", a.spec.Key, line)
		}
	}
}

// waitExit marks the adapter disconnected when the child exits on its own.
func (a *StdioAdapter) waitExit(proc Process) {
	defer a.wg.Done()
	_ = proc.Wait()
	a.connected.Store(false)
}
