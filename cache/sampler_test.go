package cache_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jacentio/lattice/cache"
)

func TestSampler_Window(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	var buf bytes.Buffer
	s := cache.NewSampler(c, time.Minute, 80, slog.New(slog.NewTextHandler(&buf, nil)))

	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("missing")

	w := s.Sample()
	if w.Hits != 1 || w.Misses != 1 {
		t.Errorf("unexpected first window %+v", w)
	}
	if !strings.Contains(buf.String(), "hit rate below threshold") {
		t.Error("expected low hit rate warning")
	}

	c.Get("a")
	w = s.Sample()
	if w.Hits != 1 || w.Misses != 0 {
		t.Errorf("expected window to only count new lookups, got %+v", w)
	}

	c.ResetMetrics()
	c.Get("a")
	w = s.Sample()
	if w.Hits != 1 {
		t.Errorf("expected fresh window after reset, got %+v", w)
	}
}

func TestSampler_RunStopsOnCancel(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	s := cache.NewSampler(c, time.Millisecond, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}
