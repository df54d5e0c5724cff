// Package reaper supervises spawned per-connection tasks, logging their
// terminal status without ever cancelling them.
package reaper

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/recovery"
)

type completion struct {
	name string
	err  error
	fn   func() error
}

// Supervisor tracks spawned goroutines and logs each one's outcome as it
// finishes. It never cancels a tracked goroutine; the only ways a tracked
// task ends are by returning on its own or by OnFatal triggering process
// exit for a circuit hop.
type Supervisor struct {
	logger *slog.Logger

	wg          sync.WaitGroup
	completions chan completion

	mu      sync.Mutex
	onFatal func(name string, err error)

	done chan struct{}
	once sync.Once
}

// New creates a Supervisor that logs through logger.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Supervisor{
		logger:      logger,
		completions: make(chan completion, 64),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// SetOnFatal installs a callback invoked when a goroutine spawned with
// SpawnFatal ends. Typically used to os.Exit when any circuit hop's
// health check fails, matching the "no reconnection policy" default.
func (s *Supervisor) SetOnFatal(fn func(name string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFatal = fn
}

// Spawn launches fn in its own goroutine and tracks its completion. A
// panic inside fn is recovered and reported as the task's error rather
// than crashing the process.
func (s *Supervisor) Spawn(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var panicErr error
		defer func() {
			s.completions <- completion{name: name, err: panicErr}
		}()
		defer recovery.RecoverWithCallback(s.logger, name, func(r interface{}) {
			panicErr = fmt.Errorf("panic: %v", r)
		})
		panicErr = fn()
	}()
}

// SpawnFatal launches fn like Spawn, but routes its completion to the
// installed OnFatal callback in addition to the normal completion log.
// Used for each circuit hop's health-check task, whose unexpected exit
// collapses the whole circuit. A panic inside fn is recovered and
// treated as a fatal completion like any other error.
func (s *Supervisor) SpawnFatal(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var panicErr error
		defer func() {
			s.completions <- completion{name: name, err: panicErr, fn: fn}
		}()
		defer recovery.RecoverWithCallback(s.logger, name, func(r interface{}) {
			panicErr = fmt.Errorf("panic: %v", r)
		})
		panicErr = fn()
	}()
}

// run is the long-lived log loop: when idle it sleeps about a second and
// re-polls, matching the source reaper's busy-wait-avoidance idiom.
func (s *Supervisor) run() {
	idle := time.NewTimer(time.Second)
	defer idle.Stop()

	for {
		select {
		case c, ok := <-s.completions:
			if !ok {
				return
			}
			if c.err != nil {
				s.logger.Warn("task ended with error", "name", c.name, logging.KeyError, c.err)
			} else {
				s.logger.Debug("task completed", "name", c.name)
			}
			if c.fn != nil {
				s.mu.Lock()
				onFatal := s.onFatal
				s.mu.Unlock()
				if onFatal != nil {
					onFatal(c.name, c.err)
				}
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(time.Second)
		case <-idle.C:
			idle.Reset(time.Second)
		case <-s.done:
			return
		}
	}
}

// Wait blocks until every spawned goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
	s.once.Do(func() {
		close(s.done)
		close(s.completions)
	})
}

// ExitOnFatal is a ready-made OnFatal callback that logs and exits the
// process, matching the recommended default when a circuit collapses.
func ExitOnFatal(logger *slog.Logger) func(name string, err error) {
	return func(name string, err error) {
		logger.Error("fatal task ended, exiting", "name", name, logging.KeyError, err)
		os.Exit(1)
	}
}
