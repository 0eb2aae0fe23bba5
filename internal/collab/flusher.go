package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notenest/backend/internal/notes"
)

const (
	flushRetryBase    = 500 * time.Millisecond
	flushRetryMax     = 5 * time.Second
	flushMaxAttempts  = 5
	flushWriteTimeout = 10 * time.Second
)

var (
	errMissingRegistry = errors.New("collab: registry is required")
	errMissingStore    = errors.New("collab: store is required")
)

// FlushStore is the durable side of a flush.
type FlushStore interface {
	SaveDocument(ctx context.Context, noteID string, fields notes.DocumentFields, expectedVersion int64) (int64, error)
	AppendVersionEntry(ctx context.Context, noteID string, version int64, editorID, reason string) error
}

// AuditSink records audit entries for flushed writes.
type AuditSink interface {
	Record(ctx context.Context, action, actor, workspaceID, target, targetType string, metadata map[string]any)
}

// FlusherConfig describes the dependencies of the flusher.
type FlusherConfig struct {
	Registry    *Registry
	Store       FlushStore
	Audit       AuditSink
	Clock       func() time.Time
	Logger      *zap.Logger
	Debounce    time.Duration
	MaxInterval time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
}

type pendingFlush struct {
	timer    *time.Timer
	deadline time.Time
	attempts int
}

// Flusher turns dirty replicas into durable document writes. Edits are
// debounced so rapid typing coalesces into one version, but a note under
// continuous edit is still flushed at least once per MaxInterval.
type Flusher struct {
	registry    *Registry
	store       FlushStore
	audit       AuditSink
	clock       func() time.Time
	logger      *zap.Logger
	debounce    time.Duration
	maxInterval time.Duration
	retryBase   time.Duration
	retryMax    time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*pendingFlush
	closed  bool
}

// NewFlusher validates the configuration, returns a Flusher and binds it to
// the registry so eviction sweeps flush through the same path.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < debounce {
		maxInterval = debounce
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = flushRetryBase
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = flushRetryMax
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}

	flusher := &Flusher{
		registry:    cfg.Registry,
		store:       cfg.Store,
		audit:       cfg.Audit,
		clock:       clock,
		logger:      logger,
		debounce:    debounce,
		maxInterval: maxInterval,
		retryBase:   retryBase,
		retryMax:    retryMax,
		maxAttempts: flushMaxAttempts,
		pending:     make(map[string]*pendingFlush),
	}
	cfg.Registry.BindFlusher(flusher.FlushReplica)
	return flusher, nil
}

// Notify schedules a flush for the note. Repeated calls push the flush out by
// the debounce interval, but never past MaxInterval from the first call.
func (f *Flusher) Notify(noteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	now := f.clock()
	if entry, ok := f.pending[noteID]; ok {
		wait := f.debounce
		if remaining := entry.deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}
		entry.timer.Reset(wait)
		return
	}

	entry := &pendingFlush{deadline: now.Add(f.maxInterval)}
	entry.timer = time.AfterFunc(f.debounce, func() { f.fire(noteID) })
	f.pending[noteID] = entry
}

// FlushNow cancels any pending timer for the note and flushes synchronously.
func (f *Flusher) FlushNow(ctx context.Context, noteID string) error {
	f.mu.Lock()
	if entry, ok := f.pending[noteID]; ok {
		entry.timer.Stop()
		delete(f.pending, noteID)
	}
	f.mu.Unlock()

	return f.registry.WithNote(noteID, func(replica *Replica) error {
		if replica == nil {
			return nil
		}
		return f.FlushReplica(ctx, replica)
	})
}

// FlushReplica writes a dirty replica's projection to the store. The caller
// must hold the note's critical section; the registry's sweep and the timer
// path both do. A clean replica is a no-op.
func (f *Flusher) FlushReplica(ctx context.Context, replica *Replica) error {
	if !replica.dirty {
		return nil
	}

	title, content := replica.snapshotText()
	fields := notes.DocumentFields{
		Title:      title,
		Content:    content,
		ReplicaB64: base64.StdEncoding.EncodeToString(replica.saveState()),
		UpdatedBy:  replica.lastEditor,
	}
	newVersion, err := f.store.SaveDocument(ctx, replica.noteID, fields, replica.version)
	if err != nil {
		return err
	}
	replica.version = newVersion
	replica.dirty = false

	// History and audit failures do not undo a landed flush.
	if err := f.store.AppendVersionEntry(ctx, replica.noteID, newVersion, replica.lastEditor, notes.ReasonRealtimeEdit); err != nil {
		f.logger.Warn("version entry write failed",
			zap.String("note_id", replica.noteID), zap.Int64("version", newVersion), zap.Error(err))
	}
	if f.audit != nil {
		f.audit.Record(ctx, notes.ActionNoteUpdated, replica.lastEditor, replica.workspaceID,
			replica.noteID, notes.TargetTypeNote,
			map[string]any{"version": newVersion, "reason": notes.ReasonRealtimeEdit})
	}
	return nil
}

// Close stops all pending timers and makes a best effort to flush what they
// were guarding.
func (f *Flusher) Close(ctx context.Context) {
	f.mu.Lock()
	f.closed = true
	noteIDs := make([]string, 0, len(f.pending))
	for noteID, entry := range f.pending {
		entry.timer.Stop()
		noteIDs = append(noteIDs, noteID)
	}
	f.pending = make(map[string]*pendingFlush)
	f.mu.Unlock()

	for _, noteID := range noteIDs {
		if err := f.FlushNow(ctx, noteID); err != nil {
			f.logger.Error("flush on close failed", zap.String("note_id", noteID), zap.Error(err))
		}
	}
}

func (f *Flusher) fire(noteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()

	err := f.registry.WithNote(noteID, func(replica *Replica) error {
		if replica == nil {
			return nil
		}
		return f.FlushReplica(ctx, replica)
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.pending[noteID]
	if !ok {
		return
	}
	if err == nil {
		delete(f.pending, noteID)
		return
	}

	entry.attempts++
	if entry.attempts >= f.maxAttempts {
		f.logger.Error("persistence degraded, giving up on scheduled flush",
			zap.String("note_id", noteID), zap.Int("attempts", entry.attempts), zap.Error(err))
		delete(f.pending, noteID)
		return
	}
	backoff := f.retryBase << entry.attempts
	if backoff > f.retryMax {
		backoff = f.retryMax
	}
	f.logger.Warn("flush failed, retrying",
		zap.String("note_id", noteID), zap.Int("attempt", entry.attempts),
		zap.Duration("backoff", backoff), zap.Error(err))
	entry.timer.Reset(backoff)
}
