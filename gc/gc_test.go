package gc

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/projecteru2/sprout/lock"
)

type pinSnap struct{ pinned map[string]struct{} }

func (p pinSnap) PinnedSnapshotIDs() map[string]struct{} { return p.pinned }

func TestRun_CrossModulePinning(t *testing.T) {
	shared := lock.NewMutex()
	var collected []string

	o := New()
	Register(o, Module[pinSnap]{
		Name:   "pinner",
		Locker: shared,
		ReadDB: func(context.Context) (pinSnap, error) {
			return pinSnap{pinned: map[string]struct{}{"b": {}}}, nil
		},
		Resolve: func(pinSnap, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error { return nil },
	})
	Register(o, Module[[]string]{
		Name:   "collector",
		Locker: shared, // same locker must not deadlock
		ReadDB: func(context.Context) ([]string, error) { return []string{"a", "b", "c"}, nil },
		Resolve: func(cands []string, others map[string]any) []string {
			pinned := Collect(others, SnapshotIDs)
			var out []string
			for _, c := range cands {
				if _, ok := pinned[c]; !ok {
					out = append(out, c)
				}
			}
			return out
		},
		Collect: func(_ context.Context, ids []string) error {
			collected = append(collected, ids...)
			return nil
		},
	})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(collected, []string{"a", "c"}) {
		t.Errorf("collected %v", collected)
	}
	// locker released after Run.
	if err := shared.Lock(context.Background()); err != nil {
		t.Fatalf("locker still held: %v", err)
	}
}

func TestRun_ReadFailureSkipsModule(t *testing.T) {
	called := false
	o := New()
	Register(o, Module[int]{
		Name:    "broken",
		Locker:  lock.NewMutex(),
		ReadDB:  func(context.Context) (int, error) { return 0, errors.New("boom") },
		Resolve: func(int, map[string]any) []string { return []string{"x"} },
		Collect: func(context.Context, []string) error { called = true; return nil },
	})
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("Collect ran for a module whose ReadDB failed")
	}
}

func TestRun_CollectErrorReturned(t *testing.T) {
	boom := errors.New("boom")
	o := New()
	Register(o, Module[int]{
		Name:    "m",
		ReadDB:  func(context.Context) (int, error) { return 1, nil },
		Resolve: func(int, map[string]any) []string { return []string{"x"} },
		Collect: func(context.Context, []string) error { return boom },
	})
	if err := o.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}
