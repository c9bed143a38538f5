package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/internal/util"
	"github.com/giantswarm/mcp-time-oauth/security"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = time.Minute

	storageType = "memory"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	now         func() time.Time
	gracePeriod time.Duration

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	gauges          metric.Registration

	// Atomic counters for metrics (lock-free access during metric collection)
	authCodesCount     atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, the default is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetClockSkewGracePeriod keeps records readable for d past their expiry.
// The default is zero: a record whose TTL has elapsed is gone.
func (s *Store) SetClockSkewGracePeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gracePeriod = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountersLocked()
	previous := s.gauges
	s.gauges = nil
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Unregister()
	}
	if inst == nil {
		return
	}

	reg, err := inst.RegisterStorageSizeCallbacks(
		s.authCodesCount.Load,
		s.accessTokensCount.Load,
		s.refreshTokensCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
		return
	}
	s.mu.Lock()
	s.gauges = reg
	s.mu.Unlock()
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// must be called with s.mu held
func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(expiresAt, s.now(), s.gracePeriod)
}

// must be called with s.mu held
func (s *Store) syncCountersLocked() {
	s.authCodesCount.Store(int64(len(s.authCodes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
}

// ============================================================
// Authorization codes
// ============================================================

// PutAuthCode inserts a new authorization code.
func (s *Store) PutAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_auth_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put_auth_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		return storage.ErrConflict
	}
	s.authCodes[code.Code] = code.Clone()
	s.authCodesCount.Add(1)

	s.logger.Debug("Stored authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthCode atomically marks a live code as consumed and returns a copy.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime) }()

	// Write lock for the whole check-and-set: only one caller can pass.
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.NotFound(storage.ReasonUnknown)
	}
	if authCode.Consumed {
		return nil, storage.NotFound(storage.ReasonConsumed)
	}
	if s.expired(authCode.ExpiresAt) {
		return nil, storage.NotFound(storage.ReasonExpired)
	}

	authCode.Consumed = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return authCode.Clone(), nil
}

// ============================================================
// Access tokens
// ============================================================

// PutAccessToken stores an access token.
func (s *Store) PutAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[token.Token]; exists {
		return storage.ErrConflict
	}
	s.accessTokens[token.Token] = token.Clone()
	s.accessTokensCount.Add(1)
	return nil
}

// GetAccessToken returns a copy of a live access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.NotFound(storage.ReasonUnknown)
	}
	if s.expired(at.ExpiresAt) {
		return nil, storage.NotFound(storage.ReasonExpired)
	}
	return at.Clone(), nil
}

// RevokeAccessToken removes a live access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_access_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return storage.NotFound(storage.ReasonUnknown)
	}
	delete(s.accessTokens, token)
	s.accessTokensCount.Add(-1)
	if s.expired(at.ExpiresAt) {
		return storage.NotFound(storage.ReasonExpired)
	}
	return nil
}

// RevokeAccessTokensForRefreshToken removes all access tokens minted with refreshToken.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_tokens_for_refresh")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_access_tokens_for_refresh", err, startTime) }()

	if refreshToken == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, at := range s.accessTokens {
		if at.RefreshToken == refreshToken {
			delete(s.accessTokens, key)
			removed++
		}
	}
	s.accessTokensCount.Add(int64(-removed))
	return removed, nil
}

// ============================================================
// Refresh tokens
// ============================================================

// PutRefreshToken stores a refresh token.
func (s *Store) PutRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		return storage.ErrConflict
	}
	s.refreshTokens[token.Token] = token.Clone()
	s.refreshTokensCount.Add(1)
	return nil
}

// GetRefreshToken returns a copy of a live, unrotated refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, err := s.liveRefreshTokenLocked(token)
	if err != nil {
		return nil, err
	}
	return rt.Clone(), nil
}

// must be called with s.mu held
func (s *Store) liveRefreshTokenLocked(token string) (*storage.RefreshToken, error) {
	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.NotFound(storage.ReasonUnknown)
	}
	if rt.Rotated {
		return nil, storage.NotFound(storage.ReasonRotated)
	}
	if s.expired(rt.ExpiresAt) {
		return nil, storage.NotFound(storage.ReasonExpired)
	}
	return rt, nil
}

// RevokeRefreshToken removes a live refresh token.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveRefreshTokenLocked(token); err != nil {
		return err
	}
	delete(s.refreshTokens, token)
	s.refreshTokensCount.Add(-1)
	return nil
}

// RotateRefreshToken retires old and stores next under a single write lock.
func (s *Store) RotateRefreshToken(ctx context.Context, old string, next *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if next == nil || next.Token == "" {
		return fmt.Errorf("replacement refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.liveRefreshTokenLocked(old)
	if err != nil {
		return err
	}
	if _, exists := s.refreshTokens[next.Token]; exists {
		return storage.ErrConflict
	}

	current.Rotated = true
	s.refreshTokens[next.Token] = next.Clone()
	s.refreshTokensCount.Add(1)

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(old, tokenIDLogLength),
		"client_id", current.ClientID)
	return nil
}

// ============================================================
// Administration
// ============================================================

// Reset drops every record.
func (s *Store) Reset(ctx context.Context) (err error) {
	ctx, span := s.startStorageSpan(ctx, "reset")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "reset", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.authCodes)
	clear(s.accessTokens)
	clear(s.refreshTokens)
	s.syncCountersLocked()

	s.logger.Info("Storage reset, all codes and tokens dropped")
	return nil
}

// Stats returns current record counts.
func (s *Store) Stats(_ context.Context) storage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Stats{
		AuthCodes:     len(s.authCodes),
		AccessTokens:  len(s.accessTokens),
		RefreshTokens: len(s.refreshTokens),
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes consumed or expired codes, expired access tokens and
// rotated or expired refresh tokens.
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for key, code := range s.authCodes {
		if code.Consumed || s.expired(code.ExpiresAt) {
			delete(s.authCodes, key)
			cleaned++
		}
	}

	for key, at := range s.accessTokens {
		if s.expired(at.ExpiresAt) {
			delete(s.accessTokens, key)
			cleaned++
		}
	}

	for key, rt := range s.refreshTokens {
		if rt.Rotated || s.expired(rt.ExpiresAt) {
			delete(s.refreshTokens, key)
			cleaned++
		}
	}

	s.syncCountersLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		// Never the caller's span: the deferred End would close it.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// A not-found lookup is an expected outcome and does not mark the span failed.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	switch reason := storage.NotFoundReason(err); {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case reason != "":
		result = "not_found"
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
