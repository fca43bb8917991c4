package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelref/internal/cache"
	"modelref/internal/core"
)

type fakeLastUpdated struct {
	mu    sync.Mutex
	times map[core.Category]time.Time
	errs  map[core.Category]error
}

func (f *fakeLastUpdated) LastUpdated(_ context.Context, c core.Category) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[c]; err != nil {
		return time.Time{}, false, err
	}
	ts, ok := f.times[c]
	return ts, ok, nil
}

func (f *fakeLastUpdated) set(c core.Category, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times[c] = ts
}

func TestChangeWatcher_Poll(t *testing.T) {
	b := newTestFileSystem(t, afero.NewMemMapFs(), cache.Policy{})
	ctx := context.Background()
	t0 := time.Unix(1735689600, 0)

	src := &fakeLastUpdated{
		times: map[core.Category]time.Time{core.CategoryClip: t0, core.CategoryBlip: t0},
		errs:  map[core.Category]error{core.CategoryESRGAN: errors.New("unreachable")},
	}
	w := &changeWatcher{src: src, reader: b, seen: make(map[core.Category]time.Time)}

	var stale []core.Category
	b.OnInvalidate(func(c core.Category) { stale = append(stale, c) })

	assert.Empty(t, w.poll(ctx), "first poll records the baseline")
	assert.Empty(t, w.poll(ctx), "unchanged timestamps")

	src.set(core.CategoryClip, t0.Add(time.Minute))
	assert.Equal(t, []core.Category{core.CategoryClip}, w.poll(ctx))
	assert.Equal(t, []core.Category{core.CategoryClip}, stale)

	src.set(core.CategoryControlnet, t0)
	assert.Empty(t, w.poll(ctx), "a newly published category is a baseline")
}

func TestChangeWatcher_PollStopsOnCancel(t *testing.T) {
	src := &fakeLastUpdated{times: map[core.Category]time.Time{}}
	b := newTestFileSystem(t, afero.NewMemMapFs(), cache.Policy{})
	w := &changeWatcher{src: src, reader: b, seen: make(map[core.Category]time.Time)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, w.poll(ctx))
}

type countingReader struct {
	Reader
	rounds atomic.Int32
}

func (r *countingReader) FetchAllCategories(context.Context, bool) map[core.Category]core.Payload {
	r.rounds.Add(1)
	return map[core.Category]core.Payload{core.CategoryClip: nil}
}

func TestStartBackgroundRefresh(t *testing.T) {
	r := &countingReader{}
	stop := StartBackgroundRefresh(context.Background(), r, 10*time.Millisecond)

	require.Eventually(t, func() bool { return r.rounds.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	time.Sleep(30 * time.Millisecond)
	after := r.rounds.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, r.rounds.Load(), "no rounds after stop")
}

// slowReader blocks a round until its context ends, then lingers briefly.
type slowReader struct {
	Reader
	entered  chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (r *slowReader) FetchAllCategories(ctx context.Context, _ bool) map[core.Category]core.Payload {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	r.finished.Store(true)
	return nil
}

func TestStartBackgroundRefresh_StopWaitsForRound(t *testing.T) {
	r := &slowReader{entered: make(chan struct{})}
	stop := StartBackgroundRefresh(context.Background(), r, 10*time.Millisecond)

	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh round never started")
	}
	stop()
	assert.True(t, r.finished.Load(), "stop returns only after the round has returned")
}

func TestWatchLastUpdated_StopWaitsForPoll(t *testing.T) {
	b := newTestFileSystem(t, afero.NewMemMapFs(), cache.Policy{})
	src := &blockingLastUpdated{entered: make(chan struct{})}

	stop := WatchLastUpdated(context.Background(), src, b, 10*time.Millisecond)
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}
	stop()
	assert.True(t, src.finished.Load(), "stop returns only after the poll has returned")
}

type blockingLastUpdated struct {
	entered  chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (s *blockingLastUpdated) LastUpdated(ctx context.Context, _ core.Category) (time.Time, bool, error) {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	s.finished.Store(true)
	return time.Time{}, false, ctx.Err()
}

func TestWatchLastUpdated_MarksStale(t *testing.T) {
	b := newTestFileSystem(t, afero.NewMemMapFs(), cache.Policy{})
	t0 := time.Unix(1735689600, 0)
	src := &fakeLastUpdated{times: map[core.Category]time.Time{core.CategoryGFPGAN: t0}}

	stale := make(chan core.Category, 1)
	b.OnInvalidate(func(c core.Category) {
		select {
		case stale <- c:
		default:
		}
	})

	stop := WatchLastUpdated(context.Background(), src, b, 10*time.Millisecond)
	defer stop()

	next := t0
	require.Eventually(t, func() bool {
		next = next.Add(time.Minute)
		src.set(core.CategoryGFPGAN, next)
		select {
		case c := <-stale:
			return c == core.CategoryGFPGAN
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRoundTimeout(t *testing.T) {
	assert.Equal(t, maxRoundTimeout, roundTimeout(0))
	assert.Equal(t, maxRoundTimeout, roundTimeout(time.Hour))
	assert.Equal(t, time.Minute, roundTimeout(time.Minute))
}
