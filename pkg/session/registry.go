package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/live-gateway/pkg/audit"
	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/realtime"
)

const (
	// DefaultInboxSize bounds each session's provider message inbox.
	DefaultInboxSize = 100

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"
)

// Removal reasons, used for logs, metrics and audit.
const (
	ReasonClosed         = "closed"
	ReasonProviderClosed = "provider_closed"
	ReasonReaped         = "reaped"
	ReasonMeteringFailed = "metering_failed"
	ReasonShutdown       = "shutdown"
)

// Config configures a Registry.
type Config struct {
	Adapter   realtime.Adapter
	Validator Validator
	Meter     Meter
	Metrics   Metrics
	Audit     audit.Logger
	Clock     clock.Clock
	Logger    *slog.Logger

	// RequireToken rejects CreateSession calls without a token.
	RequireToken bool

	// InboxSize bounds the per-session inbox; the oldest message is dropped
	// when full.
	InboxSize int
}

// Registry maps session ids to open provider connections. The map lock is
// held only for insert, lookup and delete; everything else takes the
// session's own lock, so distinct sessions never contend.
type Registry struct {
	adapter      realtime.Adapter
	validator    Validator
	meter        Meter
	metrics      Metrics
	audit        audit.Logger
	clock        clock.Clock
	logger       *slog.Logger
	requireToken bool
	inboxSize    int

	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64

	watchers sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		adapter:      cfg.Adapter,
		validator:    cfg.Validator,
		meter:        cfg.Meter,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		requireToken: cfg.RequireToken,
		inboxSize:    cfg.InboxSize,
		sessions:     make(map[string]*Session),
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if r.audit == nil {
		r.audit = audit.NopLogger{}
	}
	if r.clock == nil {
		r.clock = clock.System{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.inboxSize <= 0 {
		r.inboxSize = DefaultInboxSize
	}
	return r
}

// CreateSession validates the optional token, opens a provider connection
// and registers it. A presented token must belong to ownerID and is charged
// one session.
func (r *Registry) CreateSession(ctx context.Context, ownerID, secret string) (*Created, error) {
	if ownerID == "" {
		return nil, errcode.New(errcode.MalformedRequest, "owner id is required")
	}

	var tokenID string
	if secret != "" {
		v := r.validator.Validate(ctx, secret)
		if !v.Valid {
			r.metrics.RecordValidationFailure(string(v.Reason))
			r.logAudit(ctx, audit.NewEvent(audit.ActionSessionCreated).
				WithOwner(ownerID).WithToken(v.TokenID).WithError(v.Err()))
			return nil, v.Err()
		}
		if v.OwnerID != ownerID {
			err := errcode.New(errcode.MalformedRequest, "token does not belong to owner")
			r.logAudit(ctx, audit.NewEvent(audit.ActionSessionCreated).
				WithOwner(ownerID).WithToken(v.TokenID).WithError(err))
			return nil, err
		}
		tokenID = v.TokenID
	} else if r.requireToken {
		return nil, errcode.New(errcode.MalformedRequest, "token is required")
	}

	conn, err := r.adapter.Open(ctx, realtime.OpenRequest{})
	if err != nil {
		err = asAdapterFailure("opening provider connection", err)
		r.logAudit(ctx, audit.NewEvent(audit.ActionSessionCreated).
			WithOwner(ownerID).WithToken(tokenID).WithError(err))
		return nil, err
	}

	now := r.clock.Now()
	s := &Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		TokenID:        tokenID,
		CreatedAt:      now,
		state:          StateActive,
		lastActivityAt: now,
		conn:           conn,
	}

	r.mu.Lock()
	r.nextSeq++
	s.seq = r.nextSeq
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.watchers.Add(1)
	go r.watch(s)

	r.metrics.RecordSessionCreated()

	if secret != "" {
		if _, err := r.meter.UpdateUsage(ctx, secret, 1, 0); err != nil {
			r.logger.Warn("session: metering session failed, closing", "session_id", s.ID, slogKeyError, err)
			_ = r.remove(ctx, s.ID, ReasonMeteringFailed)
			return nil, err
		}
	}

	r.logAudit(ctx, audit.NewEvent(audit.ActionSessionCreated).
		WithOwner(ownerID).WithSession(s.ID).WithToken(tokenID))
	r.logger.Info("session: created", "session_id", s.ID, "owner_id", ownerID)

	return &Created{
		SessionID: s.ID,
		Status:    conn.Status(),
		Model:     r.adapter.Model(),
	}, nil
}

// SendMessage forwards msg on an active session. A presented token is
// validated and charged one message before forwarding.
func (r *Registry) SendMessage(ctx context.Context, sessionID string, msg Message, secret string) error {
	if err := msg.validate(); err != nil {
		return err
	}

	s := r.get(sessionID)
	if s == nil || !s.isActive() {
		return errcode.New(errcode.NotFound, "session not found")
	}

	if secret != "" {
		v := r.validator.ValidateMessage(ctx, secret)
		if !v.Valid {
			r.metrics.RecordValidationFailure(string(v.Reason))
			return v.Err()
		}
		if _, err := r.meter.UpdateUsage(ctx, secret, 0, 1); err != nil {
			return err
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.isActive() {
		return errcode.New(errcode.NotFound, "session not found")
	}

	var err error
	switch msg.Kind {
	case KindText:
		err = s.conn.SendTurn(ctx, msg.Text)
	case KindAudio:
		err = s.conn.SendAudio(ctx, msg.Audio)
	}
	if err != nil {
		r.logger.Warn("session: forwarding message failed", "session_id", sessionID, slogKeyError, err)
		return asAdapterFailure("forwarding message", err)
	}

	s.mu.Lock()
	s.touch(r.clock.Now())
	s.mu.Unlock()
	r.metrics.RecordMessageSent(string(msg.Kind))
	return nil
}

// CloseSession closes and removes a session. Closing an absent session
// succeeds.
func (r *Registry) CloseSession(ctx context.Context, sessionID string) error {
	return r.remove(ctx, sessionID, ReasonClosed)
}

// GetStatus reports a session's status, or the inactive shape when absent.
func (r *Registry) GetStatus(sessionID string) Status {
	s := r.get(sessionID)
	if s == nil {
		return Status{SessionID: sessionID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastActivityAt
	return Status{
		SessionID:      s.ID,
		IsActive:       s.state == StateActive,
		LastActivityAt: &last,
		OwnerID:        s.OwnerID,
	}
}

// ListSessions summarizes registered sessions in creation order.
func (r *Registry) ListSessions() []Summary {
	sessions := r.snapshot()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.summary())
	}
	return out
}

// Drain returns and clears the session's inbox.
func (r *Registry) Drain(sessionID string) ([]Inbound, error) {
	s := r.get(sessionID)
	if s == nil {
		return nil, errcode.New(errcode.NotFound, "session not found")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	if out == nil {
		out = []Inbound{}
	}
	return out, nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close removes every session and waits for their event goroutines to exit
// or ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	for _, s := range r.snapshot() {
		_ = r.remove(ctx, s.ID, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// snapshot returns registered sessions ordered by registration.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// remove deletes the session from the map and closes its connection. The
// map delete happens first, so exactly one caller performs the close.
func (r *Registry) remove(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	var closeErr error
	if err := conn.Close(); err != nil {
		closeErr = asAdapterFailure("closing provider connection", err)
		r.logger.Warn("session: closing connection failed", "session_id", sessionID, "reason", reason, slogKeyError, err)
	}

	lifetime := r.clock.Now().Sub(s.CreatedAt)
	r.metrics.RecordSessionClosed(reason, lifetime.Seconds())

	action := audit.ActionSessionClosed
	if reason == ReasonReaped {
		action = audit.ActionSessionReaped
	}
	r.logAudit(ctx, audit.NewEvent(action).
		WithOwner(s.OwnerID).WithSession(s.ID).WithToken(s.TokenID).
		WithDetail(map[string]any{"reason": reason, "lifetime_seconds": lifetime.Seconds()}).
		WithError(closeErr))
	r.logger.Info("session: removed", "session_id", sessionID, "reason", reason)

	return closeErr
}

// watch consumes the connection's events until the channel closes.
func (r *Registry) watch(s *Session) {
	defer r.watchers.Done()

	for ev := range s.conn.Events() {
		switch ev.Type {
		case realtime.EventOpened:
			// CreatedAt already stamps the first activity.
			r.logger.Debug("session: provider opened", "session_id", s.ID)
		case realtime.EventMessage:
			r.deliver(s, ev)
		case realtime.EventError:
			r.markErrored(s, ev.Err)
		case realtime.EventClosed:
			_ = r.remove(context.Background(), s.ID, ReasonProviderClosed)
		}
	}
}

func (r *Registry) deliver(s *Session, ev realtime.Event) {
	now := r.clock.Now()

	s.mu.Lock()
	s.touch(now)
	dropped := false
	if len(s.inbox) >= r.inboxSize {
		s.inbox = slices.Delete(s.inbox, 0, 1)
		dropped = true
	}
	s.inbox = append(s.inbox, Inbound{Data: ev.Data, ReceivedAt: now})
	s.mu.Unlock()

	r.metrics.RecordProviderMessage()
	if dropped {
		r.metrics.RecordInboxDropped()
	}
}

// markErrored deactivates the session without removing it; the provider's
// closed event performs the removal.
func (r *Registry) markErrored(s *Session, err error) {
	s.mu.Lock()
	changed := s.state == StateActive
	if changed {
		s.state = StateErrored
	}
	s.touch(r.clock.Now())
	s.mu.Unlock()

	r.metrics.RecordProviderError()
	if !changed {
		return
	}
	r.logger.Warn("session: provider error", "session_id", s.ID, slogKeyError, err)
	if err == nil {
		err = errcode.ErrAdapterFailure
	}
	r.logAudit(context.Background(), audit.NewEvent(audit.ActionSessionErrored).
		WithOwner(s.OwnerID).WithSession(s.ID).WithToken(s.TokenID).WithError(err))
}

func (r *Registry) logAudit(ctx context.Context, e *audit.Event) {
	if err := r.audit.Log(ctx, *e); err != nil {
		r.logger.Warn("session: audit log failed", "action", e.Action, slogKeyError, err)
	}
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// asAdapterFailure tags uncoded provider errors as AdapterFailure.
func asAdapterFailure(msg string, err error) error {
	var coded *errcode.Error
	if errors.As(err, &coded) {
		return err
	}
	return errcode.Wrap(errcode.AdapterFailure, msg, err)
}

// reap removes s when its last activity is before cutoff.
func (r *Registry) reap(ctx context.Context, s *Session, cutoff time.Time) (bool, error) {
	if !s.lastActivity().Before(cutoff) {
		return false, nil
	}
	return true, r.remove(ctx, s.ID, ReasonReaped)
}
