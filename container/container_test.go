package container_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/container/fake"
	"github.com/projecteru2/sprout/types"
)

func launch(t *testing.T, rt *fake.Runtime) {
	t.Helper()
	if _, err := rt.Launch(context.Background(), container.Spec{Name: "c1", Image: "postgres:15-alpine"}); err != nil {
		t.Fatal(err)
	}
}

func TestWaitHealthy_ProbeEventuallySucceeds(t *testing.T) {
	rt := fake.New()
	launch(t, rt)
	n := 0
	err := container.WaitHealthy(context.Background(), rt, "c1", time.Second, time.Millisecond, func(context.Context) error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v", err)
	}
}

func TestWaitHealthy_Timeout(t *testing.T) {
	rt := fake.New()
	launch(t, rt)
	err := container.WaitHealthy(context.Background(), rt, "c1", 30*time.Millisecond, 5*time.Millisecond, func(context.Context) error {
		return errors.New("refused")
	})
	if !errors.Is(err, types.ErrHealthCheckTimeout) {
		t.Fatalf("got %v", err)
	}
}

func TestWaitHealthy_ExitedFailsFast(t *testing.T) {
	rt := fake.New()
	rt.ExitOnLaunch = true
	launch(t, rt)
	start := time.Now()
	err := container.WaitHealthy(context.Background(), rt, "c1", 5*time.Second, 5*time.Millisecond, func(context.Context) error {
		return nil
	})
	if !errors.Is(err, container.ErrExited) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("did not fail fast on exited container")
	}
}

func TestWaitHealthy_CancelIsNotHealthTimeout(t *testing.T) {
	rt := fake.New()
	launch(t, rt)
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := container.WaitHealthy(ctx, rt, "c1", time.Second, time.Millisecond, func(context.Context) error {
			return errors.New("refused")
		})
		if !errors.Is(err, context.Canceled) || errors.Is(err, types.ErrHealthCheckTimeout) {
			t.Fatalf("iteration %d: got %v", i, err)
		}
	}
}
