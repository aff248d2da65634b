// Package websocket implements realtime.Adapter over a provider websocket.
//
// The wire protocol: the first frame is {"setup":{"model":...}}. Text turns
// are sent as clientContent with turnComplete set; audio is streamed as
// realtimeInput media chunks carrying base64 PCM.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/realtime"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultEventBuffer      = 64

	// AudioMimeType is the media type of streamed audio chunks.
	AudioMimeType = "audio/pcm;rate=16000"
)

// Config configures the websocket adapter.
type Config struct {
	// URL is the provider's websocket endpoint.
	URL string

	// APIKey is the long-lived provider credential. Sent as the key query
	// parameter and never exposed to clients.
	APIKey string

	// Model is the default model named in the setup frame.
	Model string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PongWait bounds how long the read loop waits for any frame. Pings are
	// sent at 9/10 of this interval.
	PongWait time.Duration

	EventBuffer int
}

// Adapter dials provider connections.
type Adapter struct {
	cfg    Config
	dialer *gws.Dialer
	logger *slog.Logger
}

// New creates an Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg: cfg,
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Model returns the configured default model.
func (a *Adapter) Model() string { return a.cfg.Model }

// Open dials the provider and sends the setup frame.
func (a *Adapter) Open(ctx context.Context, req realtime.OpenRequest) (realtime.Conn, error) {
	endpoint, err := a.endpoint()
	if err != nil {
		return nil, errcode.Wrap(errcode.AdapterFailure, "building provider url", err)
	}

	ws, resp, err := a.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.AdapterFailure, "dialing provider", err)
	}

	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}

	c := &conn{
		ws:           ws,
		events:       make(chan realtime.Event, a.cfg.EventBuffer),
		done:         make(chan struct{}),
		writeTimeout: a.cfg.WriteTimeout,
		pongWait:     a.cfg.PongWait,
		logger:       a.logger,
	}
	if err := c.writeJSON(ctx, setupFrame{Setup: setup{Model: model}}); err != nil {
		_ = ws.Close()
		return nil, errcode.Wrap(errcode.AdapterFailure, "sending setup frame", err)
	}

	c.emit(realtime.Event{Type: realtime.EventOpened})
	go c.readPump()
	go c.pingPump()

	a.logger.Debug("realtime: connection opened", "model", model)
	return c, nil
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if a.cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", a.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// conn is one provider websocket.
type conn struct {
	ws           *gws.Conn
	events       chan realtime.Event
	done         chan struct{}
	writeTimeout time.Duration
	pongWait     time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
}

func (c *conn) Events() <-chan realtime.Event { return c.events }

func (c *conn) Status() string {
	if c.closing.Load() {
		return realtime.StatusClosed
	}
	return realtime.StatusConnected
}

func (c *conn) SendTurn(ctx context.Context, text string) error {
	frame := clientContentFrame{ClientContent: clientContent{
		Turns:        []turn{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}}
	if err := c.send(ctx, frame); err != nil {
		return errcode.Wrap(errcode.AdapterFailure, "sending turn", err)
	}
	return nil
}

func (c *conn) SendAudio(ctx context.Context, chunk []byte) error {
	frame := realtimeInputFrame{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MimeType: AudioMimeType, Data: chunk}},
	}}
	if err := c.send(ctx, frame); err != nil {
		return errcode.Wrap(errcode.AdapterFailure, "sending audio", err)
	}
	return nil
}

var errConnClosed = errors.New("connection closed")

func (c *conn) send(ctx context.Context, v any) error {
	if c.closing.Load() {
		return errConnClosed
	}
	return c.writeJSON(ctx, v)
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. The read loop then
// delivers EventClosed and closes the event channel.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()

		if closeErr := c.ws.Close(); closeErr != nil {
			err = errcode.Wrap(errcode.AdapterFailure, "closing provider connection", closeErr)
		}
	})
	return err
}

func (c *conn) emit(ev realtime.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.events <- ev
}

func (c *conn) readPump() {
	defer close(c.events)

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		c.emit(realtime.Event{Type: realtime.EventMessage, Data: payload})
	}
}

// finish reports why the read loop ended. Local closes and normal remote
// closes produce only EventClosed.
func (c *conn) finish(err error) {
	expected := c.closing.Load() ||
		gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway)
	if !expected {
		c.logger.Warn("realtime: provider connection failed", "error", err)
		c.emit(realtime.Event{
			Type: realtime.EventError,
			Err:  errcode.Wrap(errcode.AdapterFailure, "provider connection failed", err),
		})
	}
	c.closing.Store(true)
	c.emit(realtime.Event{Type: realtime.EventClosed, Err: err})

	// Release the socket when the provider closed first.
	_ = c.Close()
}

func (c *conn) pingPump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(gws.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Verify interface compliance.
var (
	_ realtime.Adapter = (*Adapter)(nil)
	_ realtime.Conn    = (*conn)(nil)
)
