package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notenest/backend/internal/notes"
)

const defaultReplicaIdleTTL = 5 * time.Minute

// ErrReplicaNotOpen indicates an operation that requires a live replica.
var ErrReplicaNotOpen = errors.New("collab: replica not open")

// DocumentLoader loads the durable document record backing a replica.
type DocumentLoader interface {
	LoadDocument(ctx context.Context, noteID string) (notes.Note, error)
}

// FlushFunc persists a replica's state. It runs inside the note's critical
// section; the registry uses it to flush dirty replicas before eviction.
type FlushFunc func(ctx context.Context, replica *Replica) error

// RegistryConfig describes the dependencies of the replica registry.
type RegistryConfig struct {
	Loader  DocumentLoader
	Clock   func() time.Time
	IdleTTL time.Duration
	Logger  *zap.Logger
}

// Registry owns every live replica and is the per-note serialization point:
// all replica access funnels through the note's entry lock, so delta
// application, flushes, legacy writes and eviction for one note never
// overlap, while different notes proceed fully in parallel.
type Registry struct {
	loader  DocumentLoader
	clock   func() time.Time
	idleTTL time.Duration
	logger  *zap.Logger
	flush   FlushFunc

	mu      sync.Mutex
	entries map[string]*noteEntry
}

// noteEntry holds the per-note lock. Entries outlive their replica so the
// critical section exists even while no replica is open; they are never
// removed from the map, which keeps the single-replica-per-note invariant
// trivially true across evict/reopen races.
type noteEntry struct {
	mu      sync.Mutex
	replica *Replica
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Loader == nil {
		return nil, errors.New("collab: document loader is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultReplicaIdleTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loader:  cfg.Loader,
		clock:   clock,
		idleTTL: idleTTL,
		logger:  logger,
		entries: make(map[string]*noteEntry),
	}, nil
}

// BindFlusher installs the flush function used before idle eviction.
func (r *Registry) BindFlusher(flush FlushFunc) {
	r.flush = flush
}

func (r *Registry) entryFor(noteID string) *noteEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[noteID]
	if !ok {
		entry = &noteEntry{}
		r.entries[noteID] = entry
	}
	return entry
}

// Open returns the live replica for the note, creating it from the durable
// record when none is open. Idempotent: concurrent callers observe the same
// replica instance.
func (r *Registry) Open(ctx context.Context, noteID string) (*Replica, error) {
	entry := r.entryFor(noteID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.openLocked(ctx, entry, noteID)
}

func (r *Registry) openLocked(ctx context.Context, entry *noteEntry, noteID string) (*Replica, error) {
	if entry.replica != nil {
		return entry.replica, nil
	}
	record, err := r.loader.LoadDocument(ctx, noteID)
	if err != nil {
		return nil, err
	}
	replica, err := newReplica(record, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	entry.replica = replica
	r.logger.Debug("replica opened",
		zap.String("note_id", noteID), zap.Int64("version", replica.version))
	return replica, nil
}

// WithNote runs fn inside the note's critical section. The replica argument
// is nil when no replica is currently open for the note.
func (r *Registry) WithNote(noteID string, fn func(replica *Replica) error) error {
	entry := r.entryFor(noteID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.replica)
}

// WithOpenNote is WithNote with the guarantee that a replica is open,
// loading it first when necessary.
func (r *Registry) WithOpenNote(ctx context.Context, noteID string, fn func(replica *Replica) error) error {
	entry := r.entryFor(noteID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	replica, err := r.openLocked(ctx, entry, noteID)
	if err != nil {
		return err
	}
	return fn(replica)
}

// Attach records one more session referencing the note's replica.
func (r *Registry) Attach(noteID string) {
	_ = r.WithNote(noteID, func(replica *Replica) error {
		if replica != nil {
			replica.attached++
			replica.lastActivity = r.clock().UTC()
		}
		return nil
	})
}

// Detach records that a session stopped referencing the note's replica. The
// replica stays open until the idle sweep evicts it.
func (r *Registry) Detach(noteID string) {
	_ = r.WithNote(noteID, func(replica *Replica) error {
		if replica != nil && replica.attached > 0 {
			replica.attached--
			replica.lastActivity = r.clock().UTC()
		}
		return nil
	})
}

// ApplyUpdate folds a client delta into the note's replica.
func (r *Registry) ApplyUpdate(noteID string, delta []byte, editorID string) error {
	return r.WithNote(noteID, func(replica *Replica) error {
		if replica == nil {
			return ErrReplicaNotOpen
		}
		return replica.applyUpdate(delta, editorID, r.clock().UTC())
	})
}

// Sweep evicts replicas that have been idle past the TTL with no attached
// sessions. Dirty replicas are flushed first; a failed flush defers eviction
// to a later sweep so edits are never dropped.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock().UTC()

	r.mu.Lock()
	candidates := make(map[string]*noteEntry, len(r.entries))
	for noteID, entry := range r.entries {
		candidates[noteID] = entry
	}
	r.mu.Unlock()

	for noteID, entry := range candidates {
		entry.mu.Lock()
		replica := entry.replica
		if replica == nil || replica.attached > 0 || now.Sub(replica.lastActivity) < r.idleTTL {
			entry.mu.Unlock()
			continue
		}
		if replica.dirty {
			if r.flush == nil {
				entry.mu.Unlock()
				continue
			}
			if err := r.flush(ctx, replica); err != nil {
				r.logger.Warn("eviction deferred: flush failed",
					zap.String("note_id", noteID), zap.Error(err))
				entry.mu.Unlock()
				continue
			}
		}
		entry.replica = nil
		entry.mu.Unlock()
		r.logger.Info("replica evicted", zap.String("note_id", noteID))
	}
}

// StartSweeper runs periodic idle sweeps until the context is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.idleTTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
