package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeRestartsFailingWorker(t *testing.T) {
	tree := New("test", Config{FailureThreshold: 10, FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second}, quietLogger())

	var failing, stable atomic.Int32
	tree.AddWorker(Service{Name: "flaky", Run: func(ctx context.Context) error {
		if failing.Add(1) <= 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}})
	tree.AddAPI(Service{Name: "stable", Run: func(ctx context.Context) error {
		stable.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tree did not stop")
	}

	if failing.Load() < 3 {
		t.Fatalf("expected flaky service to be restarted, started %d times", failing.Load())
	}
	if stable.Load() != 1 {
		t.Fatalf("stable service should start once, started %d times", stable.Load())
	}
}

type fakeServer struct {
	stop     chan struct{}
	shutdown atomic.Bool
}

func (f *fakeServer) ListenAndServe() error {
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := &fakeServer{stop: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("service did not stop")
	}
	if !srv.shutdown.Load() {
		t.Fatalf("expected graceful shutdown")
	}
}

type brokenServer struct{}

func (brokenServer) ListenAndServe() error              { return errors.New("address in use") }
func (brokenServer) Shutdown(ctx context.Context) error { return nil }

func TestHTTPServiceReportsListenError(t *testing.T) {
	err := NewHTTPService(brokenServer{}, time.Second).Serve(context.Background())
	if err == nil || err.Error() != "http server: address in use" {
		t.Fatalf("unexpected error %v", err)
	}
}
