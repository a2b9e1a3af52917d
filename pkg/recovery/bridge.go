package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/metrics"
	"github.com/vango-go/zenlive/pkg/transport"
)

const (
	DefaultGuidanceTTL   = 24 * time.Hour
	DefaultIntentTTL     = 15 * time.Minute
	DefaultResumptionTTL = transport.DefaultResumptionValidity

	keyPrefix = "zenlive"
)

// Scope identifies whose progress a record belongs to.
type Scope struct {
	UserID         string
	ConversationID string
}

func (s Scope) key(kind string) string {
	user := s.UserID
	if user == "" {
		user = "anonymous"
	}
	conv := s.ConversationID
	if conv == "" {
		conv = "default"
	}
	return strings.Join([]string{keyPrefix, kind, user, conv}, ":")
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Store Store
	// Scope is used for the intent and resumption keys, which are not
	// passed per call.
	Scope         Scope
	GuidanceTTL   time.Duration
	IntentTTL     time.Duration
	ResumptionTTL time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Bridge is the engine-facing persistence contract. Every method is best
// effort: failures are logged and counted, never returned.
type Bridge struct {
	store   Store
	scope   Scope
	opts    BridgeOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBridge returns a Bridge over opts.Store, defaulting to an in-memory store.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore(opts.Now)
	}
	if opts.GuidanceTTL <= 0 {
		opts.GuidanceTTL = DefaultGuidanceTTL
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = DefaultIntentTTL
	}
	if opts.ResumptionTTL <= 0 {
		opts.ResumptionTTL = DefaultResumptionTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:   opts.Store,
		scope:   opts.Scope,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// SaveGuidanceState persists a detailed executor snapshot under scope.
func (b *Bridge) SaveGuidanceState(ctx context.Context, state guidance.DetailedState, scope Scope) {
	data, err := json.Marshal(state)
	if err != nil {
		b.fail("save_guidance_state", err)
		return
	}
	b.put(ctx, "save_guidance_state", scope.key("guidance"), data, b.opts.GuidanceTTL)
}

// LoadGuidanceState returns the stored snapshot for scope. A missing, expired
// or undecodable record yields ok=false.
func (b *Bridge) LoadGuidanceState(ctx context.Context, scope Scope) (guidance.DetailedState, bool) {
	rec, ok := b.get(ctx, "load_guidance_state", scope.key("guidance"))
	if !ok {
		return guidance.DetailedState{}, false
	}
	var state guidance.DetailedState
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		b.fail("load_guidance_state", err)
		return guidance.DetailedState{}, false
	}
	return state, true
}

// ClearGuidanceState removes the snapshot for scope.
func (b *Bridge) ClearGuidanceState(ctx context.Context, scope Scope) {
	if err := b.store.Delete(ctx, scope.key("guidance")); err != nil {
		b.fail("clear_guidance_state", err)
	}
}

// SaveAutoReconnectIntent records whether the next start should reconnect
// without user action. Clearing the flag deletes the record.
func (b *Bridge) SaveAutoReconnectIntent(ctx context.Context, flag bool) {
	key := b.scope.key("intent")
	if !flag {
		if err := b.store.Delete(ctx, key); err != nil {
			b.fail("save_auto_reconnect_intent", err)
		}
		return
	}
	b.put(ctx, "save_auto_reconnect_intent", key, []byte("1"), b.opts.IntentTTL)
}

// LoadAutoReconnectIntent reports the stored flag; failures read as false.
func (b *Bridge) LoadAutoReconnectIntent(ctx context.Context) bool {
	rec, ok := b.get(ctx, "load_auto_reconnect_intent", b.scope.key("intent"))
	return ok && string(rec.Value) == "1"
}

// SaveResumptionToken implements transport.ResumptionStore. Errors are
// handled here, so it always returns nil.
func (b *Bridge) SaveResumptionToken(ctx context.Context, tok transport.ResumptionToken) error {
	key := b.scope.key("resumption")
	if tok.Handle == "" {
		if err := b.store.Delete(ctx, key); err != nil {
			b.fail("save_resumption_token", err)
		}
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		b.fail("save_resumption_token", err)
		return nil
	}
	b.putAt(ctx, "save_resumption_token", key, data, tok.SavedAt, b.opts.ResumptionTTL)
	return nil
}

// LoadResumptionToken implements transport.ResumptionStore.
func (b *Bridge) LoadResumptionToken(ctx context.Context) (transport.ResumptionToken, bool, error) {
	rec, ok := b.get(ctx, "load_resumption_token", b.scope.key("resumption"))
	if !ok {
		return transport.ResumptionToken{}, false, nil
	}
	var tok transport.ResumptionToken
	if err := json.Unmarshal(rec.Value, &tok); err != nil {
		b.fail("load_resumption_token", err)
		return transport.ResumptionToken{}, false, nil
	}
	return tok, tok.Handle != "", nil
}

// Close releases the underlying store.
func (b *Bridge) Close() error { return b.store.Close() }

func (b *Bridge) put(ctx context.Context, op, key string, value []byte, ttl time.Duration) {
	b.putAt(ctx, op, key, value, b.now(), ttl)
}

func (b *Bridge) putAt(ctx context.Context, op, key string, value []byte, savedAt time.Time, ttl time.Duration) {
	if savedAt.IsZero() {
		savedAt = b.now()
	}
	rec := Record{Value: value, SavedAt: savedAt.UTC(), ExpiresAt: savedAt.Add(ttl).UTC()}
	if err := b.store.Put(ctx, key, rec); err != nil {
		b.fail(op, err)
	}
}

func (b *Bridge) get(ctx context.Context, op, key string) (Record, bool) {
	rec, ok, err := b.store.Get(ctx, key)
	if err != nil {
		b.fail(op, err)
		return Record{}, false
	}
	return rec, ok
}

func (b *Bridge) fail(op string, err error) {
	perr := core.NewPersistenceError(op, err)
	b.logger.Warn("recovery store operation failed", "op", op, "err", perr)
	b.metrics.RecordPersistenceFailure(op)
}
