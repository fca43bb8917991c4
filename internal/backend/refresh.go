package backend

import (
	"context"
	"log/slog"
	"time"

	"modelref/internal/core"
)

// maxRoundTimeout caps how long one background round may run.
const maxRoundTimeout = 5 * time.Minute

// StartBackgroundRefresh starts a goroutine that force-refreshes every
// category on each tick. Returns a stop function that cancels the loop and
// waits for an in-flight round to return.
func StartBackgroundRefresh(ctx context.Context, r Reader, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				roundCtx, roundCancel := context.WithTimeout(ctx, roundTimeout(interval))
				empty := 0
				for _, payload := range r.FetchAllCategories(roundCtx, true) {
					if payload == nil {
						empty++
					}
				}
				roundCancel()
				if empty > 0 {
					slog.Warn("background reference refresh incomplete", "empty_categories", empty)
				} else {
					slog.Debug("background reference refresh complete")
				}
			}
		}
	}()

	return stopper(cancel, done)
}

// LastUpdatedSource reports when a category last changed upstream.
type LastUpdatedSource interface {
	LastUpdated(ctx context.Context, category core.Category) (time.Time, bool, error)
}

// WatchLastUpdated polls src on each tick and marks a category stale on r
// when its timestamp moves. The first observation of a category only records
// the baseline. Returns a stop function that blocks until polling has ended.
func WatchLastUpdated(ctx context.Context, src LastUpdatedSource, r Reader, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	w := &changeWatcher{src: src, reader: r, seen: make(map[core.Category]time.Time)}
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				roundCtx, roundCancel := context.WithTimeout(ctx, roundTimeout(interval))
				w.poll(roundCtx)
				roundCancel()
			}
		}
	}()

	return stopper(cancel, done)
}

func stopper(cancel context.CancelFunc, done <-chan struct{}) func() {
	return func() {
		cancel()
		<-done
	}
}

type changeWatcher struct {
	src    LastUpdatedSource
	reader Reader
	// seen is only touched by the polling goroutine
	seen map[core.Category]time.Time
}

// poll checks every category once and returns the categories marked stale.
func (w *changeWatcher) poll(ctx context.Context) []core.Category {
	var changed []core.Category
	for _, c := range core.Categories() {
		if ctx.Err() != nil {
			return changed
		}
		ts, ok, err := w.src.LastUpdated(ctx, c)
		if err != nil {
			slog.Debug("last-updated poll failed", "category", c, "error", err)
			continue
		}
		if !ok {
			continue
		}
		prev, known := w.seen[c]
		w.seen[c] = ts
		if known && !ts.Equal(prev) {
			slog.Info("upstream reference changed", "category", c, "last_updated", ts)
			w.reader.MarkStale(c)
			changed = append(changed, c)
		}
	}
	return changed
}

func roundTimeout(interval time.Duration) time.Duration {
	if interval <= 0 || interval > maxRoundTimeout {
		return maxRoundTimeout
	}
	return interval
}
