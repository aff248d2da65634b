package token

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/directory"
	"github.com/txn2/live-gateway/pkg/errcode"
)

const (
	tokTestOwner      = "user-1"
	tokTestProOwner   = "user-pro"
	tokTestPlan       = "pro"
	tokTestGoroutines = 20
	tokTestIterations = 50
)

var tokTestStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type tokenHarness struct {
	store     *MemoryStore
	clock     *clock.Fake
	issuer    *Issuer
	validator *Validator
	ledger    *Ledger
}

func newTokenHarness(t *testing.T) *tokenHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore()
	clk := clock.NewFake(tokTestStart)
	dir := directory.NewStatic([]directory.User{
		{ID: tokTestOwner},
		{ID: tokTestProOwner, Plan: tokTestPlan},
	})
	return &tokenHarness{
		store: store,
		clock: clk,
		issuer: NewIssuer(IssuerConfig{
			Store:     store,
			Directory: dir,
			Clock:     clk,
			Logger:    logger,
			Plans: map[string]Quota{
				tokTestPlan: {MaxSessions: 50, Expiration: 8 * time.Hour},
			},
		}),
		validator: NewValidator(store, clk, logger),
		ledger:    NewLedger(store, clk, logger),
	}
}

func (h *tokenHarness) issue(t *testing.T, opts Options) *Issued {
	t.Helper()
	issued, err := h.issuer.Generate(context.Background(), tokTestOwner, opts)
	require.NoError(t, err)
	return issued
}

func TestIssuer_Defaults(t *testing.T) {
	h := newTokenHarness(t)

	issued := h.issue(t, Options{})
	assert.True(t, IsWellFormed(issued.Token))
	assert.NotEmpty(t, issued.TokenID)
	assert.Equal(t, DefaultMaxSessions, issued.MaxSessions)
	assert.Equal(t, DefaultMaxMessages, issued.MaxMessages)
	assert.Equal(t, tokTestStart.Add(DefaultExpiration), issued.ExpiresAt)
	assert.False(t, issued.Degraded)

	stored, err := h.store.Get(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Zero(t, stored.SessionsUsed)
	assert.Zero(t, stored.MessagesUsed)
	assert.Equal(t, tokTestOwner, stored.OwnerID)
}

func TestIssuer_CallerOverrides(t *testing.T) {
	h := newTokenHarness(t)

	issued := h.issue(t, Options{MaxSessions: 3, MaxMessages: 7, ExpirationMinutes: 5})
	assert.Equal(t, 3, issued.MaxSessions)
	assert.Equal(t, 7, issued.MaxMessages)
	assert.Equal(t, tokTestStart.Add(5*time.Minute), issued.ExpiresAt)
}

func TestIssuer_PlanQuota(t *testing.T) {
	h := newTokenHarness(t)

	issued, err := h.issuer.Generate(context.Background(), tokTestProOwner, Options{})
	require.NoError(t, err)
	assert.Equal(t, 50, issued.MaxSessions)
	assert.Equal(t, DefaultMaxMessages, issued.MaxMessages)
	assert.Equal(t, tokTestStart.Add(8*time.Hour), issued.ExpiresAt)
}

func TestIssuer_UnknownOwner(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.issuer.Generate(context.Background(), "ghost", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestIssuer_MalformedInput(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.issuer.Generate(context.Background(), "", Options{})
	assert.Equal(t, errcode.MalformedRequest, errcode.Of(err))

	_, err = h.issuer.Generate(context.Background(), tokTestOwner, Options{MaxSessions: -1})
	assert.Equal(t, errcode.MalformedRequest, errcode.Of(err))
}

func TestIssuer_DegradedRandom(t *testing.T) {
	store := NewMemoryStore()
	iss := NewIssuer(IssuerConfig{
		Store:     store,
		Directory: directory.NewStatic([]directory.User{{ID: tokTestOwner}}),
		Random:    failingReader{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	issued, err := iss.Generate(context.Background(), tokTestOwner, Options{})
	require.NoError(t, err)
	assert.True(t, issued.Degraded)
	assert.True(t, IsWellFormed(issued.Token))
}

func TestValidator_Valid(t *testing.T) {
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	v := h.validator.Validate(context.Background(), issued.Token)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Reason)
	assert.Equal(t, tokTestOwner, v.OwnerID)
	assert.NoError(t, v.Err())
}

func TestValidator_NotFound(t *testing.T) {
	h := newTokenHarness(t)

	v := h.validator.Validate(context.Background(), "garbage")
	assert.False(t, v.Valid)
	assert.Equal(t, errcode.NotFound, v.Reason)

	v = h.validator.Validate(context.Background(), "glt_abcdefghijklmnopqrstuvwxyz012345_1")
	assert.Equal(t, errcode.NotFound, v.Reason)
	assert.ErrorIs(t, v.Err(), errcode.ErrNotFound)
}

func TestValidator_CheckOrder(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{MaxSessions: 1, MaxMessages: 1, ExpirationMinutes: 1})

	// Both quotas exhausted: the session quota is reported first.
	_, err := h.ledger.UpdateUsage(ctx, issued.Token, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, errcode.SessionQuotaExceeded, h.validator.Validate(ctx, issued.Token).Reason)

	// Expiry takes precedence over quotas.
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, errcode.Expired, h.validator.Validate(ctx, issued.Token).Reason)

	// Deactivation takes precedence over expiry.
	_, err = h.ledger.Deactivate(ctx, issued.Token)
	require.NoError(t, err)
	v := h.validator.Validate(ctx, issued.Token)
	assert.Equal(t, errcode.Deactivated, v.Reason)
	assert.ErrorIs(t, v.Err(), errcode.ErrDeactivated)
}

func TestValidator_MessageQuota(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{MaxMessages: 2})

	_, err := h.ledger.UpdateUsage(ctx, issued.Token, 0, 2)
	require.NoError(t, err)

	v := h.validator.Validate(ctx, issued.Token)
	assert.Equal(t, errcode.MessageQuotaExceeded, v.Reason)
	assert.Equal(t, 2, v.MessagesUsed)
	assert.ErrorIs(t, v.Err(), errcode.ErrMessageQuotaExceeded)
}

func TestValidator_ValidateMessageSkipsSessionQuota(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{MaxSessions: 1, MaxMessages: 2, ExpirationMinutes: 1})

	_, err := h.ledger.UpdateUsage(ctx, issued.Token, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, errcode.SessionQuotaExceeded, h.validator.Validate(ctx, issued.Token).Reason)
	assert.True(t, h.validator.ValidateMessage(ctx, issued.Token).Valid)

	_, err = h.ledger.UpdateUsage(ctx, issued.Token, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, errcode.MessageQuotaExceeded, h.validator.ValidateMessage(ctx, issued.Token).Reason)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, errcode.Expired, h.validator.ValidateMessage(ctx, issued.Token).Reason)

	_, err = h.ledger.Deactivate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, errcode.Deactivated, h.validator.ValidateMessage(ctx, issued.Token).Reason)

	assert.Equal(t, errcode.NotFound, h.validator.ValidateMessage(ctx, "not-a-token").Reason)
}

func TestValidation_JSONKeepsZeroCounters(t *testing.T) {
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	data, err := json.Marshal(h.validator.Validate(context.Background(), issued.Token))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, 0.0, fields["sessionsUsed"])
	assert.Equal(t, 0.0, fields["messagesUsed"])
	assert.Contains(t, fields, "maxSessions")
	assert.Contains(t, fields, "maxMessages")
}

func TestValidator_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	before, err := h.store.Get(ctx, issued.Token)
	require.NoError(t, err)
	for range 5 {
		h.validator.Validate(ctx, issued.Token)
	}
	after, err := h.store.Get(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLedger_SessionQuotaExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{MaxSessions: 3})

	for i := range 3 {
		require.True(t, h.validator.Validate(ctx, issued.Token).Valid, "session %d", i+1)
		usage, err := h.ledger.UpdateUsage(ctx, issued.Token, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, i+1, usage.SessionsUsed)
	}

	v := h.validator.Validate(ctx, issued.Token)
	assert.False(t, v.Valid)
	assert.Equal(t, errcode.SessionQuotaExceeded, v.Reason)
	assert.Equal(t, 3, v.SessionsUsed)
}

func TestLedger_ConcurrentUsageLosesNothing(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	var wg sync.WaitGroup
	for range tokTestGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range tokTestIterations {
				_, err := h.ledger.UpdateUsage(ctx, issued.Token, 0, 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stored, err := h.store.Get(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, tokTestGoroutines*tokTestIterations, stored.MessagesUsed)
}

func TestLedger_UpdateUsageUnknownToken(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.ledger.UpdateUsage(context.Background(), "glt_missing", 1, 0)
	assert.ErrorIs(t, err, errcode.ErrNotFound)

	_, err = h.ledger.UpdateUsage(context.Background(), "glt_missing", -1, 0)
	assert.Equal(t, errcode.MalformedRequest, errcode.Of(err))
}

func TestLedger_ExpiredTokenRejected(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{ExpirationMinutes: 1})

	require.True(t, h.validator.Validate(ctx, issued.Token).Valid)

	h.clock.Advance(61 * time.Second)
	assert.Equal(t, errcode.Expired, h.validator.Validate(ctx, issued.Token).Reason)

	refreshed, err := h.ledger.Refresh(ctx, issued.Token, 30)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(30*time.Minute), refreshed.ExpiresAt)
	assert.True(t, h.validator.Validate(ctx, issued.Token).Valid)
}

func TestLedger_RefreshNeverShortens(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{ExpirationMinutes: 120})

	refreshed, err := h.ledger.Refresh(ctx, issued.Token, 1)
	require.NoError(t, err)
	assert.Equal(t, issued.ExpiresAt.Add(time.Minute), refreshed.ExpiresAt)
	assert.True(t, refreshed.ExpiresAt.After(issued.ExpiresAt))
}

func TestLedger_RefreshDefaultMinutes(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	refreshed, err := h.ledger.Refresh(ctx, issued.Token, 0)
	require.NoError(t, err)
	assert.Equal(t, issued.ExpiresAt.Add(DefaultRefreshMinutes*time.Minute), refreshed.ExpiresAt)
	assert.Equal(t, issued.Token, refreshed.Token)
}

func TestLedger_RefreshDeactivated(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	_, err := h.ledger.Deactivate(ctx, issued.Token)
	require.NoError(t, err)

	_, err = h.ledger.Refresh(ctx, issued.Token, 10)
	assert.ErrorIs(t, err, errcode.ErrDeactivated)
}

func TestLedger_DeactivateIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	issued := h.issue(t, Options{})

	first, err := h.ledger.Deactivate(ctx, issued.Token)
	require.NoError(t, err)
	require.NotNil(t, first.DeactivatedAt)

	h.clock.Advance(time.Minute)
	second, err := h.ledger.Deactivate(ctx, issued.Token)
	require.NoError(t, err)
	assert.False(t, second.Active)
	assert.Equal(t, *first.DeactivatedAt, *second.DeactivatedAt)
	assert.Equal(t, first.Version, second.Version)
}

func TestLedger_DeactivateUnknown(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.ledger.Deactivate(context.Background(), "glt_missing")
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
}

func TestLedger_ListByOwner(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	older := h.issue(t, Options{})
	h.clock.Advance(time.Second)
	newer := h.issue(t, Options{})

	list, err := h.ledger.ListByOwner(ctx, tokTestOwner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.TokenID, list[0].TokenID)
	assert.Equal(t, older.TokenID, list[1].TokenID)
	assert.Equal(t, Redact(newer.Token), list[0].Token)

	empty, err := h.ledger.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLedger_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	h := newTokenHarness(t)
	short := h.issue(t, Options{ExpirationMinutes: 1})
	revoked := h.issue(t, Options{})
	live := h.issue(t, Options{ExpirationMinutes: 600})

	_, err := h.ledger.Deactivate(ctx, revoked.Token)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	n, err := h.ledger.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.store.Get(ctx, short.Token)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
	_, err = h.store.Get(ctx, live.Token)
	assert.NoError(t, err)

	list, err := h.ledger.ListByOwner(ctx, tokTestOwner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLedger_CleanupRoutine(t *testing.T) {
	h := newTokenHarness(t)
	issued := h.issue(t, Options{ExpirationMinutes: 1})
	h.clock.Advance(2 * time.Minute)

	h.ledger.StartCleanupRoutine(10 * time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := h.store.Get(context.Background(), issued.Token)
		return errors.Is(err, errcode.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.ledger.Close())
	require.NoError(t, h.ledger.Close())
}

func TestLedger_CleanupRoutineNonPositiveInterval(t *testing.T) {
	h := newTokenHarness(t)

	assert.NotPanics(t, func() {
		h.ledger.StartCleanupRoutine(-time.Minute)
	})
	require.NoError(t, h.ledger.Close())

	assert.NotPanics(t, func() {
		h.ledger.StartCleanupRoutine(0)
	})
	require.NoError(t, h.ledger.Close())
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	tok := &Token{ID: "a", Secret: "glt_dup", OwnerID: tokTestOwner}
	require.NoError(t, store.Create(context.Background(), tok))
	assert.Error(t, store.Create(context.Background(), tok))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Token{ID: "a", Secret: "glt_copy", Active: true}))

	got, err := store.Get(ctx, "glt_copy")
	require.NoError(t, err)
	got.SessionsUsed = 99

	again, err := store.Get(ctx, "glt_copy")
	require.NoError(t, err)
	assert.Zero(t, again.SessionsUsed)
}
