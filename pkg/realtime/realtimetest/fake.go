// Package realtimetest provides an in-memory realtime.Adapter for tests.
package realtimetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/realtime"
)

// DefaultModel is the model reported by a zero-value Adapter.
const DefaultModel = "models/fake-live"

// Adapter opens Conns that record what was sent and let the test inject
// provider events.
type Adapter struct {
	mu       sync.Mutex
	conns    []*Conn
	openErr  error
	model    string
	closeErr error
}

// NewAdapter creates a fake adapter.
func NewAdapter() *Adapter {
	return &Adapter{model: DefaultModel}
}

// FailOpen makes subsequent Open calls fail with an adapter failure.
func (a *Adapter) FailOpen(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErr = err
}

// FailClose makes Close on subsequently opened Conns return err.
func (a *Adapter) FailClose(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeErr = err
}

// Model returns the fake model name.
func (a *Adapter) Model() string { return a.model }

// Open returns a new fake Conn that has already delivered EventOpened.
func (a *Adapter) Open(_ context.Context, _ realtime.OpenRequest) (realtime.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.openErr != nil {
		return nil, errcode.Wrap(errcode.AdapterFailure, "dialing provider", a.openErr)
	}
	c := &Conn{
		events:   make(chan realtime.Event, 64),
		closeErr: a.closeErr,
	}
	c.events <- realtime.Event{Type: realtime.EventOpened, At: time.Now().UTC()}
	a.conns = append(a.conns, c)
	return c, nil
}

// Conns returns every Conn opened so far, in order.
func (a *Adapter) Conns() []*Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Conn, len(a.conns))
	copy(out, a.conns)
	return out
}

// Last returns the most recently opened Conn, or nil.
func (a *Adapter) Last() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// Sent is one recorded outbound frame.
type Sent struct {
	Text  string
	Audio []byte
	Turn  bool
}

// ErrSendFailed is returned by sends after FailSend.
var ErrSendFailed = errors.New("send failed")

// Conn is a fake provider connection.
type Conn struct {
	mu         sync.Mutex
	events     chan realtime.Event
	sent       []Sent
	closed     bool
	closeCalls int
	failSend   bool
	closeErr   error

	// gate, when set, holds sends until it is closed.
	gate    chan struct{}
	waiting int
}

func (c *Conn) Events() <-chan realtime.Event { return c.events }

func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.StatusClosed
	}
	return realtime.StatusConnected
}

func (c *Conn) SendTurn(_ context.Context, text string) error {
	return c.record(Sent{Text: text, Turn: true})
}

func (c *Conn) SendAudio(_ context.Context, chunk []byte) error {
	return c.record(Sent{Audio: chunk})
}

// HoldSends blocks subsequent sends until release is called.
func (c *Conn) HoldSends() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Waiting returns the number of sends held by HoldSends.
func (c *Conn) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *Conn) record(s Sent) error {
	c.mu.Lock()
	gate := c.gate
	if gate != nil {
		c.waiting++
	}
	c.mu.Unlock()
	if gate != nil {
		<-gate
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errcode.New(errcode.AdapterFailure, "connection closed")
	}
	if c.failSend {
		return errcode.Wrap(errcode.AdapterFailure, "sending frame", ErrSendFailed)
	}
	c.sent = append(c.sent, s)
	return nil
}

// Close delivers EventClosed and closes the event channel once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closed {
		return nil
	}
	c.closed = true
	c.events <- realtime.Event{Type: realtime.EventClosed, At: time.Now().UTC()}
	close(c.events)
	return c.closeErr
}

// Emit injects a provider message.
func (c *Conn) Emit(data []byte) {
	c.push(realtime.Event{Type: realtime.EventMessage, Data: data})
}

// EmitError injects a provider error without closing.
func (c *Conn) EmitError(err error) {
	c.push(realtime.Event{Type: realtime.EventError, Err: err})
}

// RemoteClose simulates the provider closing the connection.
func (c *Conn) RemoteClose() {
	_ = c.Close()
}

func (c *Conn) push(ev realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ev.At = time.Now().UTC()
	c.events <- ev
}

// FailSend makes subsequent sends fail.
func (c *Conn) FailSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = true
}

// Sent returns the recorded outbound frames.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Verify interface compliance.
var (
	_ realtime.Adapter = (*Adapter)(nil)
	_ realtime.Conn    = (*Conn)(nil)
)
