package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeProc stands in for a spawned server process. Its stdio pipes are wired
// to a fakeServer; exit is signalled once, like a real child being reaped.
type fakeProc struct {
	stdinW  *io.PipeWriter // client writes requests here
	stdinR  *io.PipeReader // server reads them here
	stdoutR *io.PipeReader // client reads responses here
	stdoutW *io.PipeWriter // server writes them here
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	done     chan struct{}
	exitCode int
}

func newFakeProc() *fakeProc {
	p := &fakeProc{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return 0
	}
}

func (p *fakeProc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Terminate(grace time.Duration) error {
	p.exit(143)
	return nil
}

func (p *fakeProc) closePipes() {
	p.stdinW.Close()
	p.stdoutR.Close()
	p.stderrR.Close()
}

// exit mimics the child terminating: its ends of the pipes close and Done
// fires, exactly once.
func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

// fakeServer speaks the framed protocol from the other side of a fakeProc.
// It answers initialize and shutdown by default; tests override per-method
// behavior with handle and push notifications with notify.
type fakeServer struct {
	proc *fakeProc
	in   *frameReader
	out  *frameWriter

	mu       sync.Mutex
	handlers map[string]func(s *fakeServer, id int64, params json.RawMessage)
	received []string
}

func newFakeServer(proc *fakeProc) *fakeServer {
	s := &fakeServer{
		proc:     proc,
		in:       newFrameReader(proc.stdinR),
		out:      newFrameWriter(proc.stdoutW),
		handlers: make(map[string]func(*fakeServer, int64, json.RawMessage)),
	}
	s.handlers["initialize"] = func(s *fakeServer, id int64, params json.RawMessage) {
		s.respond(id, InitializeResult{
			Capabilities: json.RawMessage(`{"textDocumentSync":1,"hoverProvider":true,"completionProvider":{}}`),
			ServerInfo:   &ServerInfo{Name: "tarqeem", Version: "0.9.0"},
		})
	}
	s.handlers["shutdown"] = func(s *fakeServer, id int64, params json.RawMessage) {
		s.respond(id, nil)
	}
	go s.serve()
	return s
}

func (s *fakeServer) handle(method string, fn func(s *fakeServer, id int64, params json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *fakeServer) respond(id int64, result any) {
	data, _ := json.Marshal(result)
	_ = s.out.write(Response{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *fakeServer) respondError(id int64, rpcErr *RPCError) {
	_ = s.out.write(Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func (s *fakeServer) notify(method string, params any) {
	_ = s.out.write(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// methods returns every method name received so far, requests and
// notifications alike, in arrival order.
func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *fakeServer) serve() {
	for {
		raw, err := s.in.next()
		if err != nil {
			return
		}
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg.Method)
		h := s.handlers[msg.Method]
		s.mu.Unlock()

		if msg.ID == nil {
			// Notification. A real server exits on "exit".
			if msg.Method == "exit" {
				s.proc.exit(0)
				return
			}
			if h != nil {
				h(s, 0, msg.Params)
			}
			continue
		}

		if h == nil {
			s.respondError(*msg.ID, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
			continue
		}
		h(s, *msg.ID, msg.Params)
	}
}

// session bundles a client whose spawn seam produces fakeProc/fakeServer
// pairs. Each Start gets a fresh pair; the latest is tracked for assertions.
type session struct {
	client *Client

	mu         sync.Mutex
	spawnCount int
	proc       *fakeProc
	server     *fakeServer
	prep       func(s *fakeServer)
}

func newSession(t *testing.T) *session {
	t.Helper()
	sess := &session{}
	sess.client = NewClient(ServerConfig{
		Command:         "tarqeem",
		Args:            []string{"lsp"},
		RequestTimeout:  2 * time.Second,
		StopGracePeriod: 500 * time.Millisecond,
	})
	sess.client.spawn = func(command string, args []string, dir string) (procHandle, error) {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		sess.spawnCount++
		sess.proc = newFakeProc()
		sess.server = newFakeServer(sess.proc)
		if sess.prep != nil {
			sess.prep(sess.server)
		}
		return sess.proc, nil
	}
	t.Cleanup(sess.client.Destroy)
	return sess
}

func (s *session) start(t *testing.T, workspace string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Start(ctx, workspace); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (s *session) currentServer() *fakeServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *session) currentProc() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestClient_StartHandshake(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	c := sess.client
	if !c.IsRunning() {
		t.Fatalf("state = %v", c.State())
	}
	if c.WorkspaceRoot() != "/projects/hisab" {
		t.Errorf("workspace = %q", c.WorkspaceRoot())
	}

	caps := c.Capabilities()
	if len(caps) == 0 {
		t.Fatal("no capabilities stored")
	}
	var decoded map[string]any
	if err := json.Unmarshal(caps, &decoded); err != nil {
		t.Fatalf("capabilities not JSON: %v", err)
	}
	if decoded["hoverProvider"] != true {
		t.Errorf("capabilities = %s", caps)
	}

	info := c.ServerInfo()
	if info == nil || info.Name != "tarqeem" {
		t.Errorf("server info = %+v", info)
	}

	// The handshake is initialize then the initialized confirmation.
	methods := sess.currentServer().methods()
	if len(methods) < 2 || methods[0] != "initialize" || methods[1] != "initialized" {
		t.Errorf("handshake order = %v", methods)
	}
}

func TestClient_StartWhileRunning(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	err := sess.client.Start(context.Background(), "/projects/other")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: %v", err)
	}
	if sess.spawnCount != 1 {
		t.Errorf("spawn count = %d", sess.spawnCount)
	}
	if c := sess.client; c.WorkspaceRoot() != "/projects/hisab" {
		t.Errorf("workspace changed to %q", c.WorkspaceRoot())
	}
}

func TestClient_StartSpawnFailure(t *testing.T) {
	c := NewClient(ServerConfig{Command: "tarqeem"})
	c.spawn = func(command string, args []string, dir string) (procHandle, error) {
		return nil, &SpawnError{Command: command, Err: errors.New("executable file not found")}
	}

	err := c.Start(context.Background(), "/projects/hisab")
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state after failed spawn = %v", c.State())
	}
}

func TestClient_StartHandshakeRejected(t *testing.T) {
	sess := newSession(t)
	sess.prep = func(s *fakeServer) {
		s.handle("initialize", func(s *fakeServer, id int64, params json.RawMessage) {
			s.respondError(id, &RPCError{Code: CodeInternalError, Message: "workspace unreadable"})
		})
	}

	err := sess.client.Start(context.Background(), "/projects/hisab")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	waitForState(t, sess.client, StateStopped)
	if sess.currentProc() != nil && !sess.currentProc().Exited() {
		t.Error("process left running after failed handshake")
	}
}

func TestClient_RequestWhileStopped(t *testing.T) {
	c := NewClient(ServerConfig{Command: "tarqeem"})

	if _, err := c.Request(context.Background(), "textDocument/hover", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Request: %v", err)
	}
	if err := c.Notify("textDocument/didSave", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Notify: %v", err)
	}
}

func TestClient_Request(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	sess.currentServer().handle("textDocument/hover", func(s *fakeServer, id int64, params json.RawMessage) {
		s.respond(id, Hover{Contents: MarkupContent{Kind: "markdown", Value: "دالة"}})
	})

	raw, err := sess.client.Request(context.Background(), "textDocument/hover", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI("/projects/hisab/main.trq")},
		Position:     Position{Line: 3, Character: 7},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var hover Hover
	if err := json.Unmarshal(raw, &hover); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hover.Contents.Value != "دالة" {
		t.Errorf("hover = %+v", hover)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	sess.currentServer().handle("tarqeem/slow", func(s *fakeServer, id int64, params json.RawMessage) {
		// Never respond.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sess.client.Request(ctx, "tarqeem/slow", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_Stop(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")
	server := sess.currentServer()

	if err := sess.client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sess.client.State() != StateStopped {
		t.Errorf("state = %v", sess.client.State())
	}

	// Cooperative shutdown: the shutdown request and the exit notification
	// both reached the server, in that order.
	methods := server.methods()
	shutdownAt, exitAt := -1, -1
	for i, m := range methods {
		switch m {
		case "shutdown":
			shutdownAt = i
		case "exit":
			exitAt = i
		}
	}
	if shutdownAt == -1 || exitAt == -1 || exitAt < shutdownAt {
		t.Errorf("teardown sequence = %v", methods)
	}

	// A stopped client reports no session.
	if sess.client.Capabilities() != nil {
		t.Error("capabilities survived Stop")
	}
	if _, err := sess.client.Request(context.Background(), "textDocument/hover", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Request after Stop: %v", err)
	}

	// Stopping again is a no-op.
	if err := sess.client.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestClient_RestartAfterStop(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	if err := sess.client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sess.start(t, "/projects/hisab")

	if !sess.client.IsRunning() {
		t.Fatalf("state = %v", sess.client.State())
	}
	if sess.spawnCount != 2 {
		t.Errorf("spawn count = %d", sess.spawnCount)
	}
}

func TestClient_CrashDetection(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	exitCodes := make(chan int, 1)
	sess.client.OnClose(func(code int) {
		select {
		case exitCodes <- code:
		default:
		}
	})

	// A request is in flight when the server dies; it must be rejected, not
	// left hanging.
	sess.currentServer().handle("tarqeem/slow", func(s *fakeServer, id int64, params json.RawMessage) {})
	requestErr := make(chan error, 1)
	go func() {
		_, err := sess.client.Request(context.Background(), "tarqeem/slow", nil)
		requestErr <- err
	}()

	// Wait for the request to reach the wire before crashing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range sess.currentServer().methods() {
			if m == "tarqeem/slow" {
				goto crash
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
crash:
	sess.currentProc().exit(2)

	waitForState(t, sess.client, StateCrashed)

	select {
	case code := <-exitCodes:
		if code != 2 {
			t.Errorf("exit code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close event never fired")
	}

	select {
	case err := <-requestErr:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("in-flight request got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request never rejected")
	}

	// A crashed client can be started again.
	sess.start(t, "/projects/hisab")
	if !sess.client.IsRunning() {
		t.Fatalf("state after restart = %v", sess.client.State())
	}
}

func TestClient_StopIsNotACrash(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	crashed := make(chan int, 1)
	sess.client.OnClose(func(code int) { crashed <- code })

	if err := sess.client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case code := <-crashed:
		t.Errorf("Stop reported as crash, exit code %d", code)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_DiagnosticsFanOut(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	published := make(chan []Diagnostic, 1)
	sess.client.OnDiagnostics(func(uri string, diags []Diagnostic) {
		published <- diags
	})

	uri := FilePathToURI("/projects/hisab/main.trq")
	sess.currentServer().notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI: uri,
		Diagnostics: []Diagnostic{{
			Range:    Range{Start: Position{Line: 2, Character: 0}, End: Position{Line: 2, Character: 5}},
			Severity: SeverityError,
			Message:  "متغير غير معرف",
		}},
	})

	select {
	case diags := <-published:
		if len(diags) != 1 || diags[0].Message != "متغير غير معرف" {
			t.Errorf("diagnostics = %+v", diags)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("diagnostics never delivered")
	}

	// The cache serves them back by path.
	cached := sess.client.Diagnostics("/projects/hisab/main.trq")
	if len(cached) != 1 {
		t.Fatalf("cached diagnostics = %d", len(cached))
	}

	// An empty publish clears the entry.
	sess.currentServer().notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{URI: uri})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sess.client.Diagnostics("/projects/hisab/main.trq")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("diagnostics cache not cleared by empty publish")
}

func TestClient_ServerLogAndShowMessage(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	logs := make(chan LogMessageParams, 4)
	sess.client.OnLog(func(p LogMessageParams) { logs <- p })
	shows := make(chan ShowMessageParams, 1)
	sess.client.OnShowMessage(func(p ShowMessageParams) { shows <- p })

	sess.currentServer().notify("window/logMessage", LogMessageParams{Type: MessageInfo, Message: "indexing"})
	sess.currentServer().notify("window/showMessage", ShowMessageParams{Type: MessageWarning, Message: "انتبه"})

	select {
	case p := <-logs:
		if p.Message != "indexing" {
			t.Errorf("log = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("log message never delivered")
	}
	select {
	case p := <-shows:
		if p.Message != "انتبه" {
			t.Errorf("showMessage = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("showMessage never delivered")
	}
}

func TestClient_StderrSurfacedAsLog(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	logs := make(chan LogMessageParams, 4)
	sess.client.OnLog(func(p LogMessageParams) { logs <- p })

	io.WriteString(sess.currentProc().stderrW, "panic averted\n")

	select {
	case p := <-logs:
		if p.Message != "panic averted" {
			t.Errorf("stderr log = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stderr line never surfaced")
	}
}

func TestClient_UnknownNotificationRoutedByMethod(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	got := make(chan any, 1)
	sess.client.router.Subscribe(EventKind("tarqeem/indexProgress"), func(payload any) {
		got <- payload
	})

	sess.currentServer().notify("tarqeem/indexProgress", map[string]int{"percent": 60})

	select {
	case payload := <-got:
		raw, ok := payload.(json.RawMessage)
		if !ok {
			t.Fatalf("payload type %T", payload)
		}
		var p map[string]int
		json.Unmarshal(raw, &p)
		if p["percent"] != 60 {
			t.Errorf("payload = %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("custom notification never routed")
	}
}

func TestClient_Destroy(t *testing.T) {
	sess := newSession(t)
	sess.start(t, "/projects/hisab")

	sess.client.Destroy()
	if sess.client.State() != StateStopped {
		t.Errorf("state = %v", sess.client.State())
	}
	if !sess.currentProc().Exited() {
		t.Error("process survived Destroy")
	}

	// Destroy on an idle client is harmless, and the client is reusable.
	sess.client.Destroy()
	sess.start(t, "/projects/hisab")
	if !sess.client.IsRunning() {
		t.Fatalf("state after restart = %v", sess.client.State())
	}
}
