package consistency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/cache/cachetest"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func fixedTTL(d time.Duration) func(*record) time.Duration {
	return func(*record) time.Duration { return d }
}

func TestLoadCacheAside(t *testing.T) {
	fake := cachetest.New()
	p := New(fake, time.Second)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (*record, error) {
		loads++
		return &record{Name: "alpha", Count: 3}, nil
	}

	first, err := Load(ctx, p, "prefs:1", fixedTTL(time.Minute), load)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	second, err := Load(ctx, p, "prefs:1", fixedTTL(time.Minute), load)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loads != 1 {
		t.Errorf("Expected 1 store load, got %d", loads)
	}
	if *first != *second {
		t.Errorf("Expected cached copy %+v to match %+v", second, first)
	}

	fake.Drop("prefs:1")
	if _, err := Load(ctx, p, "prefs:1", fixedTTL(time.Minute), load); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loads != 2 {
		t.Errorf("Expected reload after eviction, got %d loads", loads)
	}
	if !fake.Has("prefs:1") {
		t.Error("Expected cache to be repaired")
	}
}

func TestLoadSurvivesCacheOutage(t *testing.T) {
	fake := cachetest.New()
	fake.SetFailing(true)
	p := New(fake, time.Second)

	got, err := Load(context.Background(), p, "prefs:1", fixedTTL(time.Minute), func(context.Context) (*record, error) {
		return &record{Name: "beta"}, nil
	})
	if err != nil {
		t.Fatalf("Expected store value despite cache outage, got %v", err)
	}
	if got.Name != "beta" {
		t.Errorf("Expected beta, got %s", got.Name)
	}
}

func TestLoadPropagatesStoreError(t *testing.T) {
	fake := cachetest.New()
	p := New(fake, time.Second)
	storeErr := errors.New("store down")

	_, err := Load(context.Background(), p, "prefs:1", fixedTTL(time.Minute), func(context.Context) (*record, error) {
		return nil, storeErr
	})
	if !errors.Is(err, storeErr) {
		t.Errorf("Expected store error, got %v", err)
	}
	if fake.Sets != 0 {
		t.Errorf("Expected no cache write, got %d", fake.Sets)
	}
}

func TestLoadSkipsCacheForNonPositiveTTL(t *testing.T) {
	fake := cachetest.New()
	p := New(fake, time.Second)

	_, err := Load(context.Background(), p, "session:x", fixedTTL(0), func(context.Context) (*record, error) {
		return &record{Name: "expired"}, nil
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if fake.Has("session:x") {
		t.Error("Expected no cache entry for a zero TTL")
	}
}

func TestLoadCollapsesConcurrentMisses(t *testing.T) {
	fake := cachetest.New()
	p := New(fake, time.Second)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (*record, error) {
		loads.Add(1)
		<-release
		return &record{Name: "shared"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Load(context.Background(), p, "prefs:2", fixedTTL(time.Minute), load); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n < 1 || n > 8 {
		t.Errorf("Unexpected load count %d", n)
	}
}

func TestLoadOutlivesCancelledCaller(t *testing.T) {
	p := New(cachetest.New(), time.Second, WithLoadTimeout(5*time.Second))

	var loads atomic.Int32
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (*record, error) {
		loads.Add(1)
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &record{Name: "shared"}, nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Load(firstCtx, p, "prefs:3", fixedTTL(time.Minute), load)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		rec *record
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		rec, err := Load(context.Background(), p, "prefs:3", fixedTTL(time.Minute), load)
		second <- outcome{rec, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the cancelled caller to get context.Canceled, got %v", err)
	}

	close(release)
	got := <-second
	if got.err != nil {
		t.Fatalf("Expected the other caller to get the shared value, got %v", got.err)
	}
	if got.rec.Name != "shared" {
		t.Errorf("Expected shared, got %s", got.rec.Name)
	}
	if n := loads.Load(); n != 1 {
		t.Errorf("Expected 1 shared load, got %d", n)
	}
}

func TestWriteThroughOrdering(t *testing.T) {
	fake := cachetest.New()
	p := New(fake, time.Second)
	ctx := context.Background()

	t.Run("store failure leaves cache untouched", func(t *testing.T) {
		err := p.Write(ctx, "prefs:3", record{Name: "new"}, time.Minute, func(context.Context) error {
			return errors.New("store down")
		})
		if err == nil {
			t.Fatal("Expected store error")
		}
		if fake.Sets != 0 || fake.Has("prefs:3") {
			t.Error("Expected no cache write after failed store write")
		}
	})

	t.Run("cache failure is not fatal", func(t *testing.T) {
		fake.FailSet = true
		defer func() { fake.FailSet = false }()
		persisted := false
		err := p.Write(ctx, "prefs:3", record{Name: "new"}, time.Minute, func(context.Context) error {
			persisted = true
			return nil
		})
		if err != nil {
			t.Fatalf("Expected success despite cache failure, got %v", err)
		}
		if !persisted {
			t.Error("Expected store write")
		}
	})

	t.Run("success refreshes cache", func(t *testing.T) {
		err := p.Write(ctx, "prefs:3", record{Name: "fresh"}, time.Minute, func(context.Context) error { return nil })
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, ok := Fetch[record](ctx, p, "prefs:3")
		if !ok || got.Name != "fresh" {
			t.Errorf("Expected fresh cached value, got %+v (ok=%v)", got, ok)
		}
	})
}

func TestFetchHonorsTTL(t *testing.T) {
	fake := cachetest.New()
	now := time.Now()
	fake.Now = func() time.Time { return now }
	p := New(fake, time.Second)
	ctx := context.Background()

	p.Put(ctx, "scan:abc", record{Name: "scan"}, time.Hour)
	if _, ok := Fetch[record](ctx, p, "scan:abc"); !ok {
		t.Fatal("Expected scan result within TTL")
	}

	now = now.Add(time.Hour + time.Second)
	if _, ok := Fetch[record](ctx, p, "scan:abc"); ok {
		t.Error("Expected scan result to be gone after TTL")
	}
}

type countingObserver struct {
	hits, misses, failures int
}

func (o *countingObserver) CacheLookup(_ string, hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *countingObserver) CacheFailure(string, string) { o.failures++ }

func TestObserver(t *testing.T) {
	fake := cachetest.New()
	obs := &countingObserver{}
	p := New(fake, time.Second, WithObserver(obs))
	ctx := context.Background()

	_, _ = Memo(ctx, p, "catalog:x", time.Hour, func(context.Context) (*record, error) {
		return &record{Name: "x"}, nil
	})
	_, _ = Memo(ctx, p, "catalog:x", time.Hour, func(context.Context) (*record, error) {
		t.Error("Expected memoized value")
		return nil, nil
	})
	fake.FailGet = true
	_, _ = Fetch[record](ctx, p, "catalog:x")

	if obs.hits != 1 || obs.misses != 2 || obs.failures != 1 {
		t.Errorf("Expected 1 hit, 2 misses, 1 failure; got %+v", *obs)
	}
}
