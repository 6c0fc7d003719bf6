// Package audit maintains the append-only per-session ledger every
// scoring-relevant action flows through.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabletop/internal/domain"
	"tabletop/internal/store"
)

// Writer appends audit events. Appends for the same session are
// serialized so ledger order matches real delivery order; appends across
// sessions proceed concurrently.
type Writer struct {
	Store store.Store
	Now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter builds a Writer over the given store.
func NewWriter(st store.Store) *Writer {
	return &Writer{Store: st, Now: time.Now, locks: map[string]*sync.Mutex{}}
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) sessionLock(sessionID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locks == nil {
		w.locks = map[string]*sync.Mutex{}
	}
	l, ok := w.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[sessionID] = l
	}
	return l
}

// Append records one event and returns it with id and timestamp filled.
func (w *Writer) Append(ctx context.Context, sessionID string, kind domain.AuditEventType, actor string, metadata map[string]any) (domain.AuditEvent, error) {
	l := w.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	if metadata == nil {
		metadata = map[string]any{}
	}
	e := domain.AuditEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      kind,
		Timestamp: domain.RFC3339(w.now()),
		Actor:     actor,
		Metadata:  metadata,
	}
	if err := w.Store.AppendAuditEvent(ctx, e); err != nil {
		return domain.AuditEvent{}, err
	}
	return e, nil
}

// Trail returns the session ledger in timestamp order.
func (w *Writer) Trail(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	return w.Store.ListAuditEvents(ctx, sessionID)
}

// Forget drops the per-session lock after a purge. Safe to call for
// unknown ids.
func (w *Writer) Forget(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locks, sessionID)
}
