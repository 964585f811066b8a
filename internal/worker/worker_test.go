package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewHost_Modes(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{mode: config.WorkerModeSet},
		{mode: ""},
		{mode: config.WorkerModeStaticPool},
		{mode: config.WorkerModeDynamicPool},
		{mode: "bogus", wantErr: true},
	}
	for _, tc := range tests {
		_, err := NewHost(config.WorkerConfig{Mode: tc.mode, PoolMaxSize: 1}, zap.NewNop())
		if tc.wantErr && err == nil {
			t.Errorf("mode %q: expected error, got nil", tc.mode)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("mode %q: expected no error, got %v", tc.mode, err)
		}
	}
}

func TestWorkerSet_GroupsElementsPerWorker(t *testing.T) {
	host, err := NewHost(config.WorkerConfig{
		Mode:              config.WorkerModeSet,
		ElementsPerWorker: 2,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var ran int32
	el := func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	}
	for i := 0; i < 5; i++ {
		if err := host.Submit(el); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	// Five elements at two per worker fill three workers.
	if host.Size() != 3 {
		t.Errorf("expected 3 workers, got %d", host.Size())
	}
	waitFor(t, time.Second, "all elements to run", func() bool {
		return atomic.LoadInt32(&ran) == 5
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := host.Stop(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestWorkerSet_SubmitBeforeStart(t *testing.T) {
	host, err := NewHost(config.WorkerConfig{Mode: config.WorkerModeSet, ElementsPerWorker: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := host.Submit(func() error { return nil }); err == nil {
		t.Error("expected submit before start to fail")
	}
}

func TestStaticPool_ExecutesElements(t *testing.T) {
	host, err := NewHost(config.WorkerConfig{
		Mode:                config.WorkerModeStaticPool,
		PoolMaxSize:         2,
		PoolMaxInactiveTime: time.Minute,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if host.Size() != 2 {
		t.Errorf("expected 2 pool workers, got %d", host.Size())
	}

	var ran int32
	for i := 0; i < 4; i++ {
		if err := host.Submit(func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	waitFor(t, time.Second, "all elements to run", func() bool {
		return atomic.LoadInt32(&ran) == 4
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := host.Stop(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := host.Submit(func() error { return nil }); err == nil {
		t.Error("expected submit after stop to fail")
	}
}

func TestDynamicPool_GrowsUnderBacklog(t *testing.T) {
	host, err := NewHost(config.WorkerConfig{
		Mode:                config.WorkerModeDynamicPool,
		PoolMinSize:         1,
		PoolMaxSize:         4,
		PoolMaxInactiveTime: 50 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if host.Size() != 1 {
		t.Errorf("expected the dynamic pool to start at its minimum, got %d", host.Size())
	}

	block := make(chan struct{})
	var ran int32
	for i := 0; i < 4; i++ {
		if err := host.Submit(func() error {
			<-block
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	waitFor(t, time.Second, "the pool to grow", func() bool {
		return host.Size() > 1
	})

	close(block)
	waitFor(t, time.Second, "all elements to run", func() bool {
		return atomic.LoadInt32(&ran) == 4
	})

	// Surplus workers are reaped once idle.
	waitFor(t, 2*time.Second, "the pool to shrink", func() bool {
		return host.Size() == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := host.Stop(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRunElement_RecoversFromPanic(t *testing.T) {
	// Must return instead of propagating the panic.
	runElement(func() error { panic("boom") }, false, zap.NewNop())
}

func TestRunElement_RestartOnError(t *testing.T) {
	var calls int32
	runElement(func() error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, true, zap.NewNop())

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}
