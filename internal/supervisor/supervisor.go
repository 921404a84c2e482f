// Package supervisor owns process lifecycle: components start in dependency
// order, run until a signal or a fatal component error, and stop in reverse
// order within a shutdown grace window. Consumers drain before connections
// close so no delivery is lost mid-handler.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/purpleops/checking-engine/internal/config"
)

type stopEntry struct {
	name string
	fn   func(ctx context.Context) error
}

// Supervisor coordinates startup, blocking services and reverse-order
// shutdown.
type Supervisor struct {
	grace  time.Duration
	logger *log.Logger

	mu    sync.Mutex
	stops []stopEntry

	wg    sync.WaitGroup
	errCh chan error
}

// New builds a supervisor with the configured shutdown grace.
func New(cfg config.SupervisorConfig) *Supervisor {
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Supervisor{
		grace:  grace,
		logger: log.New(log.Writer(), "[Supervisor] ", log.LstdFlags),
		errCh:  make(chan error, 8),
	}
}

// OnStop registers a shutdown step. Steps run in reverse registration order,
// so register in startup order.
func (s *Supervisor) OnStop(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, stopEntry{name: name, fn: fn})
}

// Go runs a blocking service. A non-nil return is fatal and triggers
// shutdown of the whole process.
func (s *Supervisor) Go(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Wait blocks until SIGINT/SIGTERM, ctx cancellation or a fatal service
// error, then runs the shutdown sequence. The returned error is the fatal
// service error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var cause error
	select {
	case sig := <-sigCh:
		s.logger.Printf("🛑 Received %s, shutting down", sig)
	case <-ctx.Done():
		s.logger.Printf("🛑 Context cancelled, shutting down")
	case cause = <-s.errCh:
		s.logger.Printf("❌ Fatal: %v — shutting down", cause)
	}

	s.shutdown()
	return cause
}

func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	s.mu.Lock()
	stops := make([]stopEntry, len(s.stops))
	copy(stops, s.stops)
	s.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		st := stops[i]
		s.logger.Printf("🔌 Stopping %s", st.name)
		if err := st.fn(ctx); err != nil {
			s.logger.Printf("⚠️  Stop %s: %v", st.name, err)
		}
		if ctx.Err() != nil {
			s.logger.Printf("⚠️  Shutdown grace %s exhausted at %s", s.grace, st.name)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Printf("✅ Shutdown complete")
	case <-ctx.Done():
		s.logger.Printf("⚠️  Services still running after grace window")
	}
}
