package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestDispatcherRunsInlineWhenSaturated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := newDispatcher(DispatchConfig{Workers: 1, Buffer: 0, CallTimeout: time.Second, HandoffTimeout: time.Millisecond}, logger, nil)
	defer d.close()

	release := make(chan struct{})
	started := make(chan struct{})
	d.submit(remoteJob{call: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	var ran atomic.Bool
	d.submit(remoteJob{call: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	if !ran.Load() {
		t.Fatalf("expected saturated submit to run inline")
	}
	close(release)
	d.wait()

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "dispatch buffer saturated; running remote call inline" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected saturation warning")
	}
}

func TestDispatcherReportsFailuresWithTimestamp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("boom")
	got := make(chan Failure, 1)
	d := newDispatcher(DispatchConfig{Workers: 2, Buffer: 4}, logger, func(_ context.Context, f Failure) {
		got <- f
	})
	defer d.close()

	d.submit(remoteJob{
		failure: Failure{Op: OpDelete, TaskID: "x"},
		call:    func(ctx context.Context) error { return boom },
	})
	d.wait()

	select {
	case f := <-got:
		if f.Op != OpDelete || f.TaskID != "x" || !errors.Is(f.Err, boom) || f.At.IsZero() {
			t.Fatalf("unexpected failure %+v", f)
		}
	default:
		t.Fatalf("expected failure callback")
	}
}

func TestDispatcherCallTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var failed atomic.Int32
	d := newDispatcher(DispatchConfig{Workers: 1, Buffer: 1, CallTimeout: 10 * time.Millisecond}, logger, func(_ context.Context, f Failure) {
		if errors.Is(f.Err, context.DeadlineExceeded) {
			failed.Add(1)
		}
	})
	defer d.close()

	d.submit(remoteJob{call: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	d.wait()
	if failed.Load() != 1 {
		t.Fatalf("expected deadline failure")
	}
}

func TestDispatcherAfterCloseRunsInline(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := newDispatcher(DispatchConfig{Workers: 1, Buffer: 1}, logger, nil)
	d.close()
	d.close()

	var ran atomic.Bool
	d.submit(remoteJob{call: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	if !ran.Load() {
		t.Fatalf("expected closed dispatcher to run inline")
	}
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			t.Fatalf("closed dispatcher should not warn about saturation")
		}
	}
}

func TestSessionCloseClosesSubscribers(t *testing.T) {
	s := NewSession(seededStore())
	ch := s.Subscribe()
	s.Close()
	select {
	case _, ok := <-ch:
		if ok {
			// drain a pending signal, then expect the close
			if _, ok = <-ch; ok {
				t.Fatalf("expected closed channel")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber channel not closed")
	}
}

func TestDispatcherWaitOverlapsSubmit(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := newDispatcher(DispatchConfig{Workers: 2, Buffer: 1, CallTimeout: time.Second, HandoffTimeout: time.Millisecond}, logger, nil)
	defer d.close()

	var calls atomic.Int64
	var submitters sync.WaitGroup
	stop := make(chan struct{})
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		for {
			select {
			case <-stop:
				return
			default:
				d.wait()
			}
		}
	}()

	for i := 0; i < 8; i++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for j := 0; j < 50; j++ {
				d.submit(remoteJob{call: func(context.Context) error {
					calls.Add(1)
					return nil
				}})
			}
		}()
	}
	submitters.Wait()
	close(stop)
	<-waiterDone

	d.wait()
	if got := calls.Load(); got != 400 {
		t.Fatalf("expected 400 calls after wait, got %d", got)
	}
}
