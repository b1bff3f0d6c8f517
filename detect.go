package conflux

import (
	"context"
	"time"
)

// Detection is the answer to a detect-only request.
type Detection struct {
	Conflicts []*Conflict
	// Timings holds the wall time of every tier that ran.
	Timings  map[int]time.Duration
	CacheHit bool
}

// DetectConflicts runs the requested tiers (all three when none are given)
// for ev against the current graph and returns the merged conflicts. Nothing
// is written or published; the file's stored graph is the baseline.
func (e *Engine) DetectConflicts(ctx context.Context, ev ChangeEvent, tiers ...int) (*Detection, error) {
	res, err := e.updater.Preview(ctx, ev)
	if err != nil {
		return nil, err
	}
	conflicts, timings, err := e.pipeline.Detect(ctx, res, tiers...)
	if err != nil {
		return nil, err
	}
	return &Detection{Conflicts: conflicts, Timings: timings, CacheHit: res.CacheHit}, nil
}
