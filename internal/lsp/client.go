package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Client. State only changes through the
// transitions in Start, Stop, Destroy, and crash detection.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ServerConfig defines how to launch the Tarqeem analysis server.
type ServerConfig struct {
	// Command is the server executable, e.g. "tarqeem".
	Command string

	// Args are command-line arguments, e.g. ["lsp"].
	Args []string

	// WorkDir is the working directory; defaults to the workspace root.
	WorkDir string

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions any

	// RequestTimeout bounds requests that carry no deadline of their own.
	// Default: 30s.
	RequestTimeout time.Duration

	// StopGracePeriod is how long Stop waits for cooperative exit before
	// force-killing. Default: 3s.
	StopGracePeriod time.Duration

	// CancelOnWire makes cancellation also send $/cancelRequest.
	CancelOnWire bool
}

// procHandle is the supervision surface the client needs from a spawned
// process. *Process implements it; tests substitute fakes.
type procHandle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	ExitCode() int
	Exited() bool
	Terminate(grace time.Duration) error
	closePipes()
}

// Client drives a single Tarqeem server session: spawn, handshake, request
// correlation, notification fan-out, and teardown. At most one session
// exists per Client; construct one Client per editor process and thread it
// explicitly to whatever issues requests.
type Client struct {
	config ServerConfig
	router *Router

	state atomic.Int32

	mu            sync.Mutex
	proc          procHandle
	transport     *Transport
	capabilities  json.RawMessage
	serverInfo    *ServerInfo
	workspaceRoot string

	// Open-document bookkeeping, see document.go.
	documents     map[DocumentURI]*Document
	documentsMu   sync.RWMutex
	diagnostics   map[DocumentURI][]Diagnostic
	diagnosticsMu sync.RWMutex

	// Spawn seam, overridden in tests.
	spawn func(command string, args []string, dir string) (procHandle, error)
}

// NewClient creates a stopped client for the given server configuration.
func NewClient(config ServerConfig) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.StopGracePeriod == 0 {
		config.StopGracePeriod = 3 * time.Second
	}

	c := &Client{
		config:      config,
		router:      NewRouter(),
		documents:   make(map[DocumentURI]*Document),
		diagnostics: make(map[DocumentURI][]Diagnostic),
		spawn: func(command string, args []string, dir string) (procHandle, error) {
			return Spawn(command, args, dir)
		},
	}
	c.state.Store(int32(StateStopped))
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsRunning reports whether the state is exactly StateRunning.
func (c *Client) IsRunning() bool {
	return c.State() == StateRunning
}

// Capabilities returns the server's capabilities as advertised during the
// handshake. Opaque to this layer; nil unless a session is up.
func (c *Client) Capabilities() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// ServerInfo returns the server identification from the handshake, if any.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// WorkspaceRoot returns the workspace path of the active session.
func (c *Client) WorkspaceRoot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceRoot
}

// Start spawns the Tarqeem server for the given workspace and performs the
// initialize handshake. It fails with ErrAlreadyRunning unless the state is
// Stopped or Crashed. On spawn or handshake failure the partially started
// process is torn down and the state returns to Stopped.
func (c *Client) Start(ctx context.Context, workspacePath string) error {
	c.mu.Lock()
	switch c.State() {
	case StateStopped, StateCrashed:
	default:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state.Store(int32(StateStarting))
	c.mu.Unlock()

	workDir := c.config.WorkDir
	if workDir == "" {
		workDir = workspacePath
	}

	proc, err := c.spawn(c.config.Command, c.config.Args, workDir)
	if err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}

	var opts []TransportOption
	if c.config.CancelOnWire {
		opts = append(opts, WithCancelNotifications(true))
	}
	tr := NewTransport(proc.Stdout(), proc.Stdin(), opts...)
	tr.OnNotification(c.handleNotification)
	tr.OnDecodeError(func(err error) {
		c.router.Dispatch(EventError, err)
	})
	tr.Start()

	go c.drainStderr(proc.Stderr())
	go c.monitor(proc, tr)

	c.mu.Lock()
	c.proc = proc
	c.transport = tr
	c.workspaceRoot = workspacePath
	c.mu.Unlock()

	if err := c.handshake(ctx, tr, workspacePath); err != nil {
		tr.Close()
		_ = proc.Terminate(c.config.StopGracePeriod)
		proc.closePipes()
		c.clearSession(proc)
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("initialize: %w", err)
	}

	c.state.Store(int32(StateRunning))
	return nil
}

// handshake sends initialize, stores the capabilities, and confirms with
// the initialized notification.
func (c *Client) handshake(ctx context.Context, tr *Transport, workspacePath string) error {
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               FilePathToURI(workspacePath),
		RootPath:              workspacePath,
		Capabilities:          defaultClientCapabilities(),
		InitializationOptions: c.config.InitializationOptions,
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var result InitializeResult
	if err := tr.Call(ctx, "initialize", params, &result); err != nil {
		return err
	}

	c.mu.Lock()
	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	return tr.Notify("initialized", struct{}{})
}

// monitor watches one session's process and handles unexpected exit. It is
// tied to the session it was started for; a stale monitor from a replaced
// session backs off without touching state.
func (c *Client) monitor(proc procHandle, tr *Transport) {
	<-proc.Done()

	// Reject all in-flight requests before anything else so no caller is
	// left awaiting a response that cannot arrive.
	tr.Close()

	c.mu.Lock()
	stale := c.proc != proc
	c.mu.Unlock()
	if stale {
		return
	}

	// Stop and Destroy drive their own teardown; only an exit while the
	// session was live is a crash.
	if c.state.CompareAndSwap(int32(StateRunning), int32(StateCrashed)) {
		c.clearSession(proc)
		c.router.Dispatch(EventClose, proc.ExitCode())
	}
}

// drainStderr surfaces the server's stderr as log events, line by line.
// Stderr is never parsed as protocol frames.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.router.Dispatch(EventLog, LogMessageParams{Type: MessageLog, Message: scanner.Text()})
	}
}

// Stop shuts the session down cooperatively: shutdown request, exit
// notification, grace period, forced kill if needed, then rejection of any
// remaining pending requests. Calling Stop when already stopped is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateStopping:
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateStopping))
	proc := c.proc
	tr := c.transport
	c.mu.Unlock()

	if tr != nil && proc != nil && !proc.Exited() {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.config.StopGracePeriod)
		_ = tr.Call(shutdownCtx, "shutdown", nil, nil)
		_ = tr.Notify("exit", nil)
		cancel()
	}

	if proc != nil {
		_ = proc.Terminate(c.config.StopGracePeriod)
		proc.closePipes()
	}
	if tr != nil {
		tr.Close()
	}

	c.clearSession(proc)
	c.state.Store(int32(StateStopped))
	return nil
}

// Destroy tears everything down unconditionally, skipping the cooperative
// handshake. Intended for host-process exit. The client returns to Stopped
// and can be started again.
func (c *Client) Destroy() {
	// Leave Running before the process dies so the monitor does not read
	// the teardown as a crash.
	c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

	c.mu.Lock()
	proc := c.proc
	tr := c.transport
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	if proc != nil {
		_ = proc.Terminate(0)
		proc.closePipes()
	}

	c.clearSession(proc)
	c.state.Store(int32(StateStopped))
}

// clearSession drops session-scoped data. A nil proc clears unconditionally;
// otherwise only if the session still belongs to proc.
func (c *Client) clearSession(proc procHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if proc != nil && c.proc != nil && c.proc != proc {
		return
	}
	c.proc = nil
	c.transport = nil
	c.capabilities = nil
	c.serverInfo = nil
	c.workspaceRoot = ""

	c.diagnosticsMu.Lock()
	c.diagnostics = make(map[DocumentURI][]Diagnostic)
	c.diagnosticsMu.Unlock()
}

// Request issues a correlated request and waits for its result. The method
// and params are passed through unmodified; the result is the server's raw
// JSON. Fails fast with ErrNotRunning outside Running.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	tr, err := c.runningTransport()
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	p, err := tr.Send(method, params)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx)
}

// Notify sends a fire-and-forget notification. Fails fast with
// ErrNotRunning outside Running.
func (c *Client) Notify(method string, params any) error {
	tr, err := c.runningTransport()
	if err != nil {
		return err
	}
	return tr.Notify(method, params)
}

// runningTransport returns the active transport iff the state is Running.
func (c *Client) runningTransport() (*Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateRunning || c.transport == nil {
		return nil, ErrNotRunning
	}
	return c.transport, nil
}

// handleNotification decodes server-pushed messages and routes them. It runs
// on the reader goroutine; subscribers must return quickly.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.router.Dispatch(EventError, &ProtocolError{Reason: "malformed diagnostics", Err: err})
			return
		}
		c.diagnosticsMu.Lock()
		if len(p.Diagnostics) == 0 {
			delete(c.diagnostics, p.URI)
		} else {
			c.diagnostics[p.URI] = p.Diagnostics
		}
		c.diagnosticsMu.Unlock()
		c.router.Dispatch(EventDiagnostics, p)

	case "window/logMessage":
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.router.Dispatch(EventLog, p)

	case "window/showMessage":
		var p ShowMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.router.Dispatch(EventShowMessage, p)

	default:
		// Unrecognized notifications stay routable under their method name.
		c.router.Dispatch(EventKind(method), params)
	}
}

// --- Event subscriptions ---

// OnDiagnostics subscribes to published diagnostics.
func (c *Client) OnDiagnostics(fn func(uri string, diagnostics []Diagnostic)) Disposer {
	return c.router.Subscribe(EventDiagnostics, func(payload any) {
		if p, ok := payload.(PublishDiagnosticsParams); ok {
			fn(string(p.URI), p.Diagnostics)
		}
	})
}

// OnLog subscribes to server log output, including stderr lines.
func (c *Client) OnLog(fn func(p LogMessageParams)) Disposer {
	return c.router.Subscribe(EventLog, func(payload any) {
		if p, ok := payload.(LogMessageParams); ok {
			fn(p)
		}
	})
}

// OnShowMessage subscribes to user-facing server messages.
func (c *Client) OnShowMessage(fn func(p ShowMessageParams)) Disposer {
	return c.router.Subscribe(EventShowMessage, func(payload any) {
		if p, ok := payload.(ShowMessageParams); ok {
			fn(p)
		}
	})
}

// OnError subscribes to protocol-level errors.
func (c *Client) OnError(fn func(err error)) Disposer {
	return c.router.Subscribe(EventError, func(payload any) {
		if err, ok := payload.(error); ok {
			fn(err)
		}
	})
}

// OnClose subscribes to unexpected session termination; the payload is the
// process exit code.
func (c *Client) OnClose(fn func(exitCode int)) Disposer {
	return c.router.Subscribe(EventClose, func(payload any) {
		if code, ok := payload.(int); ok {
			fn(code)
		}
	})
}
