// Package orchestrator runs the pollers, owns the shared shutdown signal
// and tears everything down in order once they have stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"snowpulse/logger"
)

const component = "orchestrator"

// Runner is a long-lived unit driven by the orchestrator.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Close() error
}

// RunningSet tracks the goroutines started by Start.
type RunningSet struct {
	runners []Runner
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	done    chan struct{}

	shutdownOnce sync.Once
	log          *logger.Log
}

// Start launches one goroutine per runner. They share a context derived
// from ctx that RequestShutdown cancels.
func Start(ctx context.Context, runners ...Runner) *RunningSet {
	runCtx, cancel := context.WithCancel(ctx)
	rs := &RunningSet{
		runners: runners,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     logger.GetLogger(),
	}

	for _, r := range runners {
		r := r
		rs.wg.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					rs.log.WithComponent(component).WithFields(logger.Fields{
						"poller": r.Name(),
						"panic":  fmt.Sprint(rec),
					}).Error("poller panicked")
				}
			}()
			if err := r.Run(runCtx); err != nil {
				rs.log.WithComponent(component).WithError(err).WithFields(logger.Fields{"poller": r.Name()}).Error("poller exited with error")
			}
		})
	}
	go func() {
		rs.wg.Wait()
		close(rs.done)
	}()

	rs.log.WithComponent(component).WithFields(logger.Fields{"pollers": len(runners)}).Info("pollers started")
	return rs
}

// Context returns the shared context observed by every runner.
func (rs *RunningSet) Context() context.Context { return rs.ctx }

// Done is closed once every runner goroutine has returned.
func (rs *RunningSet) Done() <-chan struct{} { return rs.done }

// RequestShutdown cancels the shared context. Only the first call has an
// effect.
func (rs *RunningSet) RequestShutdown() {
	rs.shutdownOnce.Do(func() {
		rs.log.WithComponent(component).Info("shutdown requested")
		rs.cancel()
	})
}

// AwaitQuiescence waits up to timeout for every runner to return.
func (rs *RunningSet) AwaitQuiescence(timeout time.Duration) error {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rs.done:
		rs.log.WithComponent(component).WithFields(logger.Fields{"elapsed": time.Since(start).String()}).Info("all pollers stopped")
		return nil
	case <-timer.C:
		rs.log.WithComponent(component).WithFields(logger.Fields{"timeout": timeout.String()}).Warn("graceful shutdown timeout exceeded")
		return fmt.Errorf("pollers still running after %s", timeout)
	}
}

// CloseAll closes every runner in start order. A failure is logged and
// does not stop the remaining closes.
func (rs *RunningSet) CloseAll(ctx context.Context) error {
	var errs []error
	for _, r := range rs.runners {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.Name(), err))
			continue
		}
		if err := r.Close(); err != nil {
			rs.log.WithComponent(component).WithError(err).WithFields(logger.Fields{"poller": r.Name()}).Error("close failed")
			errs = append(errs, fmt.Errorf("close %s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NotifySignals subscribes to SIGINT and SIGTERM. Call it before Start so
// a signal arriving during startup is delivered to HandleSignals instead
// of terminating the process. stop unsubscribes.
func NotifySignals() (sigChan <-chan os.Signal, stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// HandleSignals requests shutdown on the first signal from sigChan. Later
// signals are logged and ignored. It returns when ctx is done.
func (rs *RunningSet) HandleSignals(ctx context.Context, sigChan <-chan os.Signal) {
	received := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			log := rs.log.WithComponent(component).WithFields(logger.Fields{"signal": sig.String()})
			if received {
				log.Warn("shutdown already in progress, signal ignored")
				continue
			}
			received = true
			log.Info("shutdown signal received")
			rs.RequestShutdown()
		}
	}
}
