package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements DirectoryUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.Driver
}

func (f *fakeUpdater) Upsert(ctx context.Context, d models.Driver) error {
	f.calls++
	f.last = d
	if f.calls <= f.fail {
		return errors.New("upsert fail")
	}
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	d := models.Driver{ID: "drv-1", Status: models.DriverAvailable, Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.last.ID != "drv-1" {
		t.Fatalf("unexpected driver written: %+v", f.last)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	d := models.Driver{ID: "drv-1"}
	if err := upsertWithRetry(context.Background(), f, d, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}
