package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/realtime"
)

const (
	wsTestKey     = "server-key"
	wsTestModel   = "models/live-test"
	wsTestTimeout = 2 * time.Second
)

// providerServer is a fake provider. It records every frame it receives and
// runs script after the setup frame arrives.
type providerServer struct {
	*httptest.Server
	frames chan map[string]any
	keys   chan string
}

func newProviderServer(t *testing.T, script func(ws *gws.Conn)) *providerServer {
	t.Helper()
	p := &providerServer{
		frames: make(chan map[string]any, 16),
		keys:   make(chan string, 1),
	}
	upgrader := gws.Upgrader{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.keys <- r.URL.Query().Get("key")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()

		var setup map[string]any
		if err := ws.ReadJSON(&setup); err != nil {
			return
		}
		p.frames <- setup
		if script != nil {
			script(ws)
		}
		for {
			var frame map[string]any
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			p.frames <- frame
		}
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *providerServer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.URL, "http")
}

func (p *providerServer) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(wsTestTimeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func nextEvent(t *testing.T, c realtime.Conn) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(wsTestTimeout):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

func drainUntilClosed(t *testing.T, c realtime.Conn) []realtime.EventType {
	t.Helper()
	var types []realtime.EventType
	timeout := time.After(wsTestTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return types
			}
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatal("timed out waiting for close")
			return types
		}
	}
}

func TestAdapter_OpenSendsSetupAndKey(t *testing.T) {
	p := newProviderServer(t, nil)
	a := New(Config{URL: p.wsURL(), APIKey: wsTestKey, Model: wsTestModel}, nil)

	c, err := a.Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	assert.Equal(t, wsTestKey, <-p.keys)
	setup := p.nextFrame(t)
	assert.Equal(t, map[string]any{"model": wsTestModel}, setup["setup"])

	assert.Equal(t, realtime.EventOpened, nextEvent(t, c).Type)
	assert.Equal(t, realtime.StatusConnected, c.Status())
	assert.Equal(t, wsTestModel, a.Model())
}

func TestAdapter_ModelOverride(t *testing.T) {
	p := newProviderServer(t, nil)
	a := New(Config{URL: p.wsURL(), Model: wsTestModel}, nil)

	c, err := a.Open(context.Background(), realtime.OpenRequest{Model: "models/other"})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	setup := p.nextFrame(t)
	assert.Equal(t, map[string]any{"model": "models/other"}, setup["setup"])
}

func TestConn_SendTurnAndAudio(t *testing.T) {
	p := newProviderServer(t, nil)
	c, err := New(Config{URL: p.wsURL(), Model: wsTestModel}, nil).Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	p.nextFrame(t)

	require.NoError(t, c.SendTurn(context.Background(), "hello"))
	turnFrame := p.nextFrame(t)
	raw, err := json.Marshal(turnFrame)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"clientContent":{"turns":[{"role":"user","parts":[{"text":"hello"}]}],"turnComplete":true}}`,
		string(raw))

	require.NoError(t, c.SendAudio(context.Background(), []byte{0x01, 0x02}))
	audioFrame := p.nextFrame(t)
	raw, err = json.Marshal(audioFrame)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"AQI="}]}}`,
		string(raw))
	assert.NotContains(t, string(raw), "turnComplete")
}

func TestConn_ProviderMessages(t *testing.T) {
	p := newProviderServer(t, func(ws *gws.Conn) {
		_ = ws.WriteMessage(gws.TextMessage, []byte(`{"serverContent":{"modelTurn":{}}}`))
	})
	c, err := New(Config{URL: p.wsURL()}, nil).Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	assert.Equal(t, realtime.EventOpened, nextEvent(t, c).Type)
	ev := nextEvent(t, c)
	assert.Equal(t, realtime.EventMessage, ev.Type)
	assert.JSONEq(t, `{"serverContent":{"modelTurn":{}}}`, string(ev.Data))
	assert.False(t, ev.At.IsZero())
}

func TestConn_LocalCloseIsIdempotent(t *testing.T) {
	p := newProviderServer(t, nil)
	c, err := New(Config{URL: p.wsURL()}, nil).Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, realtime.StatusClosed, c.Status())

	types := drainUntilClosed(t, c)
	assert.Equal(t, []realtime.EventType{realtime.EventOpened, realtime.EventClosed}, types)

	err = c.SendTurn(context.Background(), "late")
	assert.ErrorIs(t, err, errcode.ErrAdapterFailure)
}

func TestConn_RemoteNormalClose(t *testing.T) {
	p := newProviderServer(t, func(ws *gws.Conn) {
		_ = ws.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye"))
	})
	c, err := New(Config{URL: p.wsURL()}, nil).Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)

	types := drainUntilClosed(t, c)
	assert.Equal(t, []realtime.EventType{realtime.EventOpened, realtime.EventClosed}, types)
}

func TestConn_RemoteAbnormalClose(t *testing.T) {
	p := newProviderServer(t, func(ws *gws.Conn) {
		_ = ws.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseInternalServerErr, "boom"))
	})
	c, err := New(Config{URL: p.wsURL()}, nil).Open(context.Background(), realtime.OpenRequest{})
	require.NoError(t, err)

	types := drainUntilClosed(t, c)
	assert.Equal(t, []realtime.EventType{realtime.EventOpened, realtime.EventError, realtime.EventClosed}, types)
}

func TestAdapter_DialFailure(t *testing.T) {
	a := New(Config{URL: "ws://127.0.0.1:1/unreachable", HandshakeTimeout: time.Second}, nil)

	_, err := a.Open(context.Background(), realtime.OpenRequest{})
	require.Error(t, err)
	assert.Equal(t, errcode.AdapterFailure, errcode.Of(err))
}

func TestAdapter_BadURL(t *testing.T) {
	a := New(Config{URL: "://bad"}, nil)

	_, err := a.Open(context.Background(), realtime.OpenRequest{})
	assert.ErrorIs(t, err, errcode.ErrAdapterFailure)
}
