// Package replica owns the set of live authoritative CRDT replicas, keyed by
// document id: lazy hydration on first join, periodic and threshold-driven
// snapshotting, and reaping of replicas whose room has gone empty.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/collabhub/hub/internal/crdt"
	"github.com/collabhub/hub/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Snapshotter is the persistence boundary a Registry drives; internal/snapshot
// satisfies this.
type Snapshotter interface {
	Load(ctx context.Context, documentID string) (*crdt.Document, error)
	Save(ctx context.Context, documentID string, doc *crdt.Document) error
}

// RoomSizer answers whether a document's room is currently empty, so the
// registry can decide whether a replica is retirable. internal/presence
// satisfies this.
type RoomSizer interface {
	IsEmpty(documentID string) bool
}

// Config bounds the registry's lifecycle policy.
type Config struct {
	SaveInterval         time.Duration
	UpdateThreshold      int
	InactiveTimeout      time.Duration
	CleanupCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SaveInterval <= 0 {
		c.SaveInterval = 30 * time.Second
	}
	if c.UpdateThreshold <= 0 {
		c.UpdateThreshold = 50
	}
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = 5 * time.Minute
	}
	if c.CleanupCheckInterval <= 0 {
		c.CleanupCheckInterval = time.Minute
	}
	return c
}

// slot is one live replica's bookkeeping. A per-slot mutex guards the update
// count, last-access time and save flags (the CRDT document carries its own
// lock); the registry's own mutex guards the map of slots.
type slot struct {
	mu            sync.Mutex
	doc           *crdt.Document
	updateCount   int
	lastAccess    time.Time
	saveInFlight  bool
	saveRequested bool
	stopTimer     chan struct{}
}

// Registry is the Replica Registry (C3).
type Registry struct {
	mu      sync.Mutex
	slots   map[string]*slot
	group   singleflight.Group
	snaps   Snapshotter
	rooms   RoomSizer
	config  Config
	logger  *zap.Logger
	metrics *metrics.Registry
	clock   func() time.Time
	stop    chan struct{}
	stopped bool
}

// NewRegistry constructs a Registry. rooms may be nil until presence wiring
// is established; retirement checks treat a nil rooms as "never empty" to
// fail safe. metricsRegistry may be nil, in which case observability is a
// no-op.
func NewRegistry(snaps Snapshotter, rooms RoomSizer, config Config, logger *zap.Logger, metricsRegistry *metrics.Registry) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		slots:   make(map[string]*slot),
		snaps:   snaps,
		rooms:   rooms,
		config:  config.withDefaults(),
		logger:  logger,
		metrics: metricsRegistry,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	go r.runReaper()
	return r
}

// Acquire returns the live replica for documentID, hydrating it from
// persistence if this is the first acquisition. Concurrent acquisitions for
// the same id observe exactly one hydration (single-flight).
func (r *Registry) Acquire(ctx context.Context, documentID string) (*crdt.Document, error) {
	r.mu.Lock()
	if s, ok := r.slots[documentID]; ok {
		s.mu.Lock()
		s.lastAccess = r.clock()
		doc := s.doc
		s.mu.Unlock()
		r.mu.Unlock()
		return doc, nil
	}
	r.mu.Unlock()

	result, err, _ := r.group.Do(documentID, func() (interface{}, error) {
		doc, loadErr := r.snaps.Load(ctx, documentID)
		if loadErr != nil {
			r.logger.Warn("replica hydration failed, starting empty", zap.String("document_id", documentID), zap.Error(loadErr))
			doc = crdt.NewDocument(crdt.SiteID("server:" + documentID))
		}
		s := &slot{doc: doc, lastAccess: r.clock(), stopTimer: make(chan struct{})}
		r.mu.Lock()
		r.slots[documentID] = s
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ActiveReplicas.Inc()
		}
		go r.runSaveTimer(documentID, s)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*crdt.Document), nil
}

// Touch refreshes a replica's last-access timestamp without acquiring it.
func (r *Registry) Touch(documentID string) {
	r.mu.Lock()
	s, ok := r.slots[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastAccess = r.clock()
	s.mu.Unlock()
}

// RecordUpdate increments the since-last-save update count and reports
// whether the threshold has been reached, so the caller can trigger a save.
func (r *Registry) RecordUpdate(documentID string) (thresholdReached bool) {
	r.mu.Lock()
	s, ok := r.slots[documentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.updateCount++
	s.lastAccess = r.clock()
	reached := s.updateCount >= r.config.UpdateThreshold
	s.mu.Unlock()
	return reached
}

// Save persists documentID's replica now, coalescing concurrent callers
// into at most one save in flight plus one queued re-save.
func (r *Registry) Save(ctx context.Context, documentID string) {
	r.mu.Lock()
	s, ok := r.slots[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.saveSlot(ctx, documentID, s)
}

func (r *Registry) saveSlot(ctx context.Context, documentID string, s *slot) {
	s.mu.Lock()
	if s.saveInFlight {
		s.saveRequested = true
		s.mu.Unlock()
		return
	}
	s.saveInFlight = true
	s.mu.Unlock()

	for {
		if err := r.snaps.Save(ctx, documentID, s.doc); err != nil {
			r.logger.Warn("snapshot save failed, retrying on next trigger", zap.String("document_id", documentID), zap.Error(err))
			if r.metrics != nil {
				r.metrics.SnapshotFailures.Inc()
			}
		} else {
			s.mu.Lock()
			s.updateCount = 0
			s.mu.Unlock()
			if r.metrics != nil {
				r.metrics.SnapshotsSaved.Inc()
			}
		}

		s.mu.Lock()
		if !s.saveRequested {
			s.saveInFlight = false
			s.mu.Unlock()
			return
		}
		s.saveRequested = false
		s.mu.Unlock()
	}
}

// Retire removes documentID's replica if its room is empty, persisting a
// final snapshot first. Returns true if retirement happened.
func (r *Registry) Retire(ctx context.Context, documentID string) bool {
	r.mu.Lock()
	s, ok := r.slots[documentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if r.rooms == nil || !r.rooms.IsEmpty(documentID) {
		r.mu.Unlock()
		return false
	}
	delete(r.slots, documentID)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveReplicas.Dec()
	}

	close(s.stopTimer)
	if err := r.snaps.Save(ctx, documentID, s.doc); err != nil {
		r.logger.Warn("final snapshot save failed on retirement", zap.String("document_id", documentID), zap.Error(err))
		if r.metrics != nil {
			r.metrics.SnapshotFailures.Inc()
		}
	} else if r.metrics != nil {
		r.metrics.SnapshotsSaved.Inc()
	}
	return true
}

// Shutdown stops the background reaper. Callers should Retire every
// remaining document first if final snapshots are required.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stop)
}

func (r *Registry) runSaveTimer(documentID string, s *slot) {
	ticker := time.NewTicker(r.config.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.saveSlot(context.Background(), documentID, s)
		case <-s.stopTimer:
			return
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) runReaper() {
	ticker := time.NewTicker(r.config.CleanupCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) reapOnce() {
	r.mu.Lock()
	candidates := make([]string, 0, len(r.slots))
	now := r.clock()
	for documentID, s := range r.slots {
		s.mu.Lock()
		idle := now.Sub(s.lastAccess) >= r.config.InactiveTimeout
		s.mu.Unlock()
		if idle {
			candidates = append(candidates, documentID)
		}
	}
	r.mu.Unlock()

	for _, documentID := range candidates {
		if r.Retire(context.Background(), documentID) {
			r.logger.Info("replica retired for inactivity", zap.String("document_id", documentID))
		}
	}
}
