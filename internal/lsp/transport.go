package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// Transport correlates JSON-RPC requests with their responses over one
// framed connection. Outbound writes are serialized through the frame
// writer; inbound frames are decoded by a dedicated read loop that resolves
// pending requests and hands notifications to the configured sink without
// ever blocking on a caller.
type Transport struct {
	fw *frameWriter
	fr *frameReader

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*Pending

	notifySink func(method string, params json.RawMessage)
	errorSink  func(err error)

	cancelOnWire bool

	closed     atomic.Bool
	done       chan struct{}
	readerDone chan struct{}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithCancelNotifications makes Cancel also send a $/cancelRequest
// notification to the server. Local rejection happens either way.
func WithCancelNotifications(enable bool) TransportOption {
	return func(t *Transport) {
		t.cancelOnWire = enable
	}
}

// NewTransport creates a transport over the given byte streams, typically
// the child process's stdout and stdin.
func NewTransport(r io.Reader, w io.Writer, opts ...TransportOption) *Transport {
	t := &Transport{
		fw:         newFrameWriter(w),
		fr:         newFrameReader(r),
		pending:    make(map[int64]*Pending),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnNotification sets the sink for server-pushed notifications. Must be set
// before Start.
func (t *Transport) OnNotification(sink func(method string, params json.RawMessage)) {
	t.notifySink = sink
}

// OnDecodeError sets the sink for protocol errors found while decoding.
// Must be set before Start.
func (t *Transport) OnDecodeError(sink func(err error)) {
	t.errorSink = sink
}

// Start launches the read loop.
func (t *Transport) Start() {
	go t.readLoop()
}

// ReaderDone is closed when the read loop has ended, which happens when the
// connection's byte stream ends or the transport is closed.
func (t *Transport) ReaderDone() <-chan struct{} {
	return t.readerDone
}

// Close shuts the transport down and rejects every pending request with
// ErrConnectionClosed. Safe to call more than once.
func (t *Transport) Close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)
	t.CloseAll(ErrConnectionClosed)
}

// callResult carries the terminal outcome of one request.
type callResult struct {
	result json.RawMessage
	err    error
}

// Pending is an in-flight request. It is owned by the transport from
// creation until it is resolved, rejected, cancelled, or swept by CloseAll;
// each outcome is delivered exactly once.
type Pending struct {
	id       int64
	method   string
	issuedAt time.Time
	ch       chan callResult
	t        *Transport
}

// ID returns the request's correlation id.
func (p *Pending) ID() int64 { return p.id }

// Await blocks until the request completes. Context expiry rejects the
// caller with ErrTimeout (deadline) or ErrCancelled (cancellation) and
// removes the pending entry; a response arriving later is discarded.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		if !p.t.claim(p.id) {
			// Lost the race: the response is already in flight to us.
			res := <-p.ch
			return res.result, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
}

// Cancel rejects the request locally with ErrCancelled.
func (p *Pending) Cancel() {
	p.t.Cancel(p.id)
}

// Send allocates the next correlation id, records the request as pending,
// and writes it to the wire. The returned Pending resolves via Await.
func (t *Transport) Send(method string, params any) (*Pending, error) {
	if t.closed.Load() {
		return nil, ErrConnectionClosed
	}

	p := &Pending{
		id:       t.nextID.Add(1),
		method:   method,
		issuedAt: time.Now(),
		ch:       make(chan callResult, 1),
		t:        t,
	}

	t.mu.Lock()
	t.pending[p.id] = p
	t.mu.Unlock()

	req := &Request{JSONRPC: "2.0", ID: p.id, Method: method, Params: params}
	if err := t.fw.write(req); err != nil {
		t.claim(p.id)
		return nil, err
	}
	return p, nil
}

// Call sends a request and waits for its response.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	p, err := t.Send(method, params)
	if err != nil {
		return err
	}

	raw, err := p.Await(ctx)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return &ProtocolError{Reason: "unmarshal result", Err: err}
		}
	}
	return nil
}

// Notify sends a fire-and-forget notification. No pending entry is recorded
// and no completion signal is produced.
func (t *Transport) Notify(method string, params any) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	return t.fw.write(&Request{JSONRPC: "2.0", Method: method, Params: params})
}

// Cancel removes the pending entry for id and rejects it with ErrCancelled.
// If cancel notifications are enabled, a $/cancelRequest is also sent; the
// server-side request is not assumed to stop either way.
func (t *Transport) Cancel(id int64) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	p.ch <- callResult{err: ErrCancelled}

	if t.cancelOnWire && !t.closed.Load() {
		_ = t.fw.write(&Request{JSONRPC: "2.0", Method: "$/cancelRequest", Params: map[string]int64{"id": id}})
	}
}

// CloseAll rejects every currently pending request with err, leaving the
// pending table empty. Each request is rejected exactly once.
func (t *Transport) CloseAll(err error) {
	t.mu.Lock()
	swept := t.pending
	t.pending = make(map[int64]*Pending)
	t.mu.Unlock()

	for _, p := range swept {
		p.ch <- callResult{err: err}
	}
}

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// claim removes id from the pending table, returning true if the caller now
// owns delivery for that request.
func (t *Transport) claim(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// readLoop continuously decodes inbound frames and dispatches them. It never
// blocks on a pending request's resolution: result channels are buffered and
// owned by exactly one resolver.
func (t *Transport) readLoop() {
	defer close(t.readerDone)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		raw, err := t.fr.next()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				// Frame-level damage: surface it and resynchronize.
				if t.errorSink != nil {
					t.errorSink(perr)
				}
				continue
			}
			// Stream ended or broke: fatal to this connection.
			return
		}

		t.dispatch(raw)
	}
}

// dispatch classifies one inbound message and routes it. A message carrying
// an id plus a result or error is a response; one carrying a method is a
// notification. Anything else is a protocol anomaly and is discarded.
func (t *Transport) dispatch(raw json.RawMessage) {
	hasID := gjson.GetBytes(raw, "id").Exists()
	hasResult := gjson.GetBytes(raw, "result").Exists() || gjson.GetBytes(raw, "error").Exists()

	if hasID && hasResult {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			if t.errorSink != nil {
				t.errorSink(&ProtocolError{Reason: "malformed response", Err: err})
			}
			return
		}
		t.resolve(&resp)
		return
	}

	if method := gjson.GetBytes(raw, "method").String(); method != "" {
		var n notification
		if err := json.Unmarshal(raw, &n); err != nil {
			if t.errorSink != nil {
				t.errorSink(&ProtocolError{Reason: "malformed notification", Err: err})
			}
			return
		}
		if t.notifySink != nil {
			t.notifySink(n.Method, n.Params)
		}
	}
}

// resolve completes the pending request matching the response id. Responses
// are matched purely by id; out-of-order arrival is normal. A response with
// no matching pending entry is discarded.
func (t *Transport) resolve(resp *Response) {
	t.mu.Lock()
	p, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if resp.Error != nil {
		p.ch <- callResult{err: resp.Error}
		return
	}
	p.ch <- callResult{result: resp.Result}
}
