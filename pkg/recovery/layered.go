package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// tombstone marks a key deleted. Values written through Bridge are JSON, so
// the leading NUL cannot collide with a real record.
const tombstone = "\x00recovery:deleted"

func isTombstone(rec Record) bool { return bytes.Equal(rec.Value, []byte(tombstone)) }

// Layered writes every record to two stores and, on read, returns whichever
// copy was saved most recently. This resolves the case where both a remote
// and a local copy survive a crash with different contents.
type Layered struct {
	Primary   Store
	Secondary Store
	// Now stamps deletion markers. Defaults to time.Now.
	Now func() time.Time
}

// NewLayered returns a Layered store.
func NewLayered(primary, secondary Store) *Layered {
	return &Layered{Primary: primary, Secondary: secondary}
}

// Put writes to both stores. It fails only when neither write succeeds.
func (l *Layered) Put(ctx context.Context, key string, rec Record) error {
	errP := l.Primary.Put(ctx, key, rec)
	errS := l.Secondary.Put(ctx, key, rec)
	if errP != nil && errS != nil {
		return errors.Join(fmt.Errorf("primary: %w", errP), fmt.Errorf("secondary: %w", errS))
	}
	return nil
}

// Get reads both stores; the newest SavedAt wins and ties go to the primary.
// A failing store is ignored when the other answers. A newest copy that is a
// deletion marker reads as not found.
func (l *Layered) Get(ctx context.Context, key string) (Record, bool, error) {
	rec, ok, err := l.newest(ctx, key)
	if err != nil || !ok || isTombstone(rec) {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *Layered) newest(ctx context.Context, key string) (Record, bool, error) {
	recP, okP, errP := l.Primary.Get(ctx, key)
	recS, okS, errS := l.Secondary.Get(ctx, key)
	switch {
	case errP != nil && errS != nil:
		return Record{}, false, errors.Join(fmt.Errorf("primary: %w", errP), fmt.Errorf("secondary: %w", errS))
	case okP && okS:
		if recS.SavedAt.After(recP.SavedAt) {
			return recS, true, nil
		}
		return recP, true, nil
	case okP:
		return recP, true, nil
	case okS:
		return recS, true, nil
	default:
		return Record{}, false, nil
	}
}

// Delete first overwrites both copies with a deletion marker newer than any
// copy it can see, by at least a millisecond so backends that round
// timestamps still order it last. When both markers land the key is removed outright;
// otherwise the surviving marker shadows the copy in the unreachable store
// until it is overwritten.
func (l *Layered) Delete(ctx context.Context, key string) error {
	at := l.now()
	if cur, ok, err := l.newest(ctx, key); err == nil && ok && !cur.SavedAt.Before(at) {
		at = cur.SavedAt.Add(time.Millisecond)
	}
	marker := Record{Value: []byte(tombstone), SavedAt: at}
	errP := l.Primary.Put(ctx, key, marker)
	errS := l.Secondary.Put(ctx, key, marker)
	switch {
	case errP != nil && errS != nil:
		return errors.Join(fmt.Errorf("primary: %w", errP), fmt.Errorf("secondary: %w", errS))
	case errP != nil || errS != nil:
		return nil
	}
	return errors.Join(l.Primary.Delete(ctx, key), l.Secondary.Delete(ctx, key))
}

func (l *Layered) Close() error {
	return errors.Join(l.Primary.Close(), l.Secondary.Close())
}

func (l *Layered) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
