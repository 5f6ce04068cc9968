package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/star/geoanchor/internal/anchor"
	"github.com/star/geoanchor/internal/metrics"
)

// Persister stores anchor state between runs.
type Persister interface {
	Save(ctx context.Context, states map[string]anchor.State) error
	LoadAll(ctx context.Context) (map[string]anchor.State, error)
	Delete(ctx context.Context, id string) error
}

// Flush saves every anchor that settled since the last flush and deletes the
// state of removed anchors. Failed work is retried by the next flush.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	var (
		states  map[string]anchor.State
		removed []string
	)
	r.world.Do(func() {
		states = make(map[string]anchor.State, len(r.dirty))
		for id := range r.dirty {
			if e, ok := r.entries[id]; ok {
				states[id] = e.anchor.Snapshot()
			}
		}
		removed = slices.Sorted(maps.Keys(r.removed))
		clear(r.dirty)
		clear(r.removed)
	})
	if len(states) == 0 && len(removed) == 0 {
		return nil
	}

	start := time.Now()
	var (
		errs  []error
		saved int
	)
	if len(states) > 0 {
		if err := r.store.Save(ctx, states); err != nil {
			errs = append(errs, err)
		} else {
			saved = len(states)
		}
	}
	var failed []string
	for _, id := range removed {
		if err := r.store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			failed = append(failed, id)
		}
	}

	err := errors.Join(errs...)
	metrics.RecordFlush(saved, err)
	if err != nil {
		r.world.Do(func() {
			for id := range states {
				if _, ok := r.entries[id]; ok && saved == 0 {
					r.dirty[id] = true
				}
			}
			for _, id := range failed {
				if _, ok := r.entries[id]; !ok {
					r.removed[id] = true
				}
			}
		})
		return fmt.Errorf("flush: %w", err)
	}

	r.logger.Debug("flushed anchor state",
		"saved", saved,
		"deleted", len(removed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// RunFlusher flushes every interval until ctx is cancelled, then flushes one
// last time.
func (r *Registry) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Warn("final flush failed", "error", err)
			}
			cancel()
			r.logger.Info("flusher stopped")
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("flush failed", "error", err)
			}
		}
	}
}

// Restore loads persisted state. Anchors that already exist (from the scene
// file) take the persisted state; unknown ids are spawned first. Each anchor
// runs its load settle pass.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	states, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	var errs []error
	restored := 0
	for _, id := range slices.Sorted(maps.Keys(states)) {
		s := states[id]
		r.world.Do(func() {
			e, ok := r.entries[id]
			if !ok {
				if !validID.MatchString(id) {
					errs = append(errs, fmt.Errorf("restore %q: %w", id, ErrInvalidSpec))
					return
				}
				if _, err := r.spawn(Spec{ID: id}); err != nil {
					errs = append(errs, err)
					return
				}
				e = r.entries[id]
			}
			if err := e.anchor.Restore(s); err != nil {
				errs = append(errs, fmt.Errorf("restore %q: %w", id, err))
				return
			}
			restored++
		})
	}

	r.logger.Info("restored anchor state", "restored", restored, "stored", len(states))
	return restored, errors.Join(errs...)
}
