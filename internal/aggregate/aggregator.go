package aggregate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is what the aggregator did with one submitted result.
type Decision string

const (
	// Created means a new conflict was stored and emitted.
	Created Decision = "created"
	// Escalated means an existing conflict was overwritten and emitted.
	Escalated Decision = "escalated"
	// Stale means the result belongs to a superseded version.
	Stale Decision = "stale"
	// LowerTier means a higher tier already reported this conflict.
	LowerTier Decision = "lower_tier"
)

// Accepted reports whether the decision produced an emission.
func (d Decision) Accepted() bool {
	return d == Created || d == Escalated
}

// Emission is one accepted result as seen by subscribers.
type Emission struct {
	Conflict *Conflict
	Created  bool
}

// EmitFunc receives emissions. It is called with the aggregator's lock
// held, so emissions for a conflict arrive in acceptance order; it must
// not call back into the aggregator.
type EmitFunc func(Emission)

// Aggregator merges tier results per conflict ID.
type Aggregator struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
	// byFile indexes conflict IDs of the latest version of each file.
	byFile map[string]map[string]struct{}
	latest map[string]int64
	emit   EmitFunc
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Aggregator. emit may be nil.
func New(emit EmitFunc, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		conflicts: map[string]*Conflict{},
		byFile:    map[string]map[string]struct{}{},
		latest:    map[string]int64{},
		emit:      emit,
		logger:    logger.Named("aggregate"),
		now:       time.Now,
	}
}

// Begin records seq as the newest version of the file. Conflicts of older
// versions are dropped and later results for them are refused. It reports
// false if a newer version has already begun.
func (a *Aggregator) Begin(key string, seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advance(key, seq)
}

func (a *Aggregator) advance(key string, seq int64) bool {
	cur, ok := a.latest[key]
	if ok && seq < cur {
		return false
	}
	if !ok || seq > cur {
		a.latest[key] = seq
		for id := range a.byFile[key] {
			delete(a.conflicts, id)
		}
		delete(a.byFile, key)
	}
	return true
}

// Submit merges one tier result. A new ID is created at the result's
// confidence. An existing conflict at a lower or equal tier is overwritten,
// keeping the maximum confidence; the incoming tier's type is authoritative.
// Results of superseded versions or of a tier below the stored one are
// discarded.
func (a *Aggregator) Submit(in *Conflict) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := in.FileKey()
	if !a.advance(key, in.Version) {
		a.logger.Debug("stale result discarded",
			zap.String("conflict", in.ID), zap.Int("tier", in.Tier), zap.Int64("version", in.Version))
		return Stale
	}

	cur, ok := a.conflicts[in.ID]
	if ok && in.Tier < cur.Tier {
		a.logger.Debug("lower tier result discarded",
			zap.String("conflict", in.ID), zap.Int("tier", in.Tier), zap.Int("stored_tier", cur.Tier))
		return LowerTier
	}

	next := in.Clone()
	next.UpdatedAt = a.now()
	decision := Created
	if ok {
		decision = Escalated
		if cur.Confidence > next.Confidence {
			next.Confidence = cur.Confidence
		}
		if next.Resolution == nil {
			next.Resolution = cur.Resolution
		}
	}
	a.conflicts[next.ID] = next
	ids := a.byFile[key]
	if ids == nil {
		ids = map[string]struct{}{}
		a.byFile[key] = ids
	}
	ids[next.ID] = struct{}{}

	if a.emit != nil {
		a.emit(Emission{Conflict: next.Clone(), Created: decision == Created})
	}
	return decision
}

// Get returns a copy of the stored conflict.
func (a *Aggregator) Get(id string) (*Conflict, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conflicts[id]
	return c.Clone(), ok
}

// ForFile returns copies of the current conflicts of a file, ordered by ID.
func (a *Aggregator) ForFile(repository, path string) []*Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.byFile[FileKey(repository, path)]
	out := make([]*Conflict, 0, len(ids))
	for id := range ids {
		out = append(out, a.conflicts[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored conflicts.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conflicts)
}
