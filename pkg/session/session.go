// Package session proxies realtime provider sessions for token holders.
// It defines the Registry that exclusively owns every open provider
// connection and the Reaper that evicts idle sessions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/realtime"
	"github.com/txn2/live-gateway/pkg/token"
)

// State is a session's lifecycle state.
type State string

const (
	// StateActive sessions accept messages.
	StateActive State = "active"

	// StateErrored sessions saw a provider error and await the provider close.
	StateErrored State = "errored"

	// StateClosed sessions have been removed from the registry.
	StateClosed State = "closed"
)

// MessageKind selects how a payload is forwarded.
type MessageKind string

const (
	// KindText is a complete turn, forwarded with a turn-complete marker.
	KindText MessageKind = "text"

	// KindAudio is a streamed chunk, forwarded without a turn boundary.
	KindAudio MessageKind = "audio"
)

// Message is an outbound payload.
type Message struct {
	Kind  MessageKind
	Text  string
	Audio []byte
}

func (m Message) validate() error {
	switch m.Kind {
	case KindText:
		if m.Text == "" {
			return errcode.New(errcode.MalformedRequest, "text message is empty")
		}
	case KindAudio:
		if len(m.Audio) == 0 {
			return errcode.New(errcode.MalformedRequest, "audio message is empty")
		}
	default:
		return errcode.New(errcode.MalformedRequest, "message type must be text or audio")
	}
	return nil
}

// Inbound is a provider message held in a session inbox.
type Inbound struct {
	Data       []byte    `json:"-"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Created is the result of CreateSession.
type Created struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Model     string `json:"model"`
}

// Status is the result of GetStatus. Absent sessions report the zero shape
// with IsActive false.
type Status struct {
	SessionID      string     `json:"sessionId"`
	IsActive       bool       `json:"isActive"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
	OwnerID        string     `json:"ownerId,omitempty"`
}

// Summary describes a registered session for operational listing.
type Summary struct {
	SessionID      string    `json:"sessionId"`
	OwnerID        string    `json:"ownerId"`
	TokenID        string    `json:"tokenId,omitempty"`
	State          State     `json:"state"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Pending        int       `json:"pendingMessages"`
}

// Session is one proxied realtime channel. The registry owns it; the
// connection is never shared or reused.
type Session struct {
	ID        string
	OwnerID   string
	TokenID   string
	CreatedAt time.Time

	// seq orders sessions by registration.
	seq uint64

	// sendMu serializes provider writes. It is held across the write so
	// mu stays free for status reads and the reaper.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	lastActivityAt time.Time
	conn           realtime.Conn
	inbox          []Inbound
}

// touch advances lastActivityAt. It never moves backwards.
// Caller must hold s.mu.
func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		SessionID:      s.ID,
		OwnerID:        s.OwnerID,
		TokenID:        s.TokenID,
		State:          s.state,
		IsActive:       s.state == StateActive,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		Pending:        len(s.inbox),
	}
}

// Validator checks a token before a session or message is admitted.
// ValidateMessage skips the session quota, so an open session keeps
// sending after its token has spent every session.
type Validator interface {
	Validate(ctx context.Context, secret string) token.Validation
	ValidateMessage(ctx context.Context, secret string) token.Validation
}

// Meter records session and message usage against a token.
type Meter interface {
	UpdateUsage(ctx context.Context, secret string, sessions, messages int) (*token.Usage, error)
}

// Metrics receives session instrumentation. *metrics.Recorder satisfies it.
type Metrics interface {
	RecordValidationFailure(reason string)
	RecordSessionCreated()
	RecordSessionClosed(reason string, lifetimeSeconds float64)
	RecordMessageSent(kind string)
	RecordProviderMessage()
	RecordProviderError()
	RecordInboxDropped()
}

type nopMetrics struct{}

func (nopMetrics) RecordValidationFailure(string)      {}
func (nopMetrics) RecordSessionCreated()               {}
func (nopMetrics) RecordSessionClosed(string, float64) {}
func (nopMetrics) RecordMessageSent(string)            {}
func (nopMetrics) RecordProviderMessage()              {}
func (nopMetrics) RecordProviderError()                {}
func (nopMetrics) RecordInboxDropped()                 {}
