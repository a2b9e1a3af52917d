package transport

import (
	"context"
	"sync"
	"time"
)

// DefaultResumptionValidity bounds how long a server-issued handle is reused.
const DefaultResumptionValidity = time.Hour

// ResumptionToken is the only session state kept across process lifetimes.
type ResumptionToken struct {
	Handle  string    `json:"handle"`
	SavedAt time.Time `json:"saved_at"`
}

// Valid reports whether the token is usable at now.
func (t ResumptionToken) Valid(now time.Time, validity time.Duration) bool {
	if t.Handle == "" || t.SavedAt.IsZero() {
		return false
	}
	return now.Sub(t.SavedAt) < validity
}

// ResumptionStore persists the last resumption token. Implementations are
// best effort.
type ResumptionStore interface {
	SaveResumptionToken(ctx context.Context, token ResumptionToken) error
	LoadResumptionToken(ctx context.Context) (ResumptionToken, bool, error)
}

type resumptionCache struct {
	mu       sync.Mutex
	token    ResumptionToken
	validity time.Duration
}

func (c *resumptionCache) set(tok ResumptionToken) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *resumptionCache) clear() {
	c.mu.Lock()
	c.token = ResumptionToken{}
	c.mu.Unlock()
}

// handle returns the cached handle if it is still valid.
func (c *resumptionCache) handle(now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.token.Valid(now, c.validity) {
		return ""
	}
	return c.token.Handle
}
