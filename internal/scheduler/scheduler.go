// Package scheduler hosts the hub's recurring jobs: cron-style specs
// fire named tasks, each on its own serial worker so a long run defers
// the next trigger instead of overlapping it.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"intelligence-hub/internal/logging"
)

// task is one registered job and its worker plumbing. The wake channel
// buffers a single pending trigger; further triggers while busy drop.
type task struct {
	id   string
	fn   func()
	wake chan time.Duration
	done chan struct{}
}

// Scheduler pairs a cron table with per-task worker goroutines.
type Scheduler struct {
	cron   *cron.Cron
	logger logging.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	quit    chan struct{}
	started bool
	stopped bool
}

// New builds an idle scheduler. Register tasks, then Start.
func New(logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.WithComponent("scheduler"),
		tasks:  map[string]*task{},
		quit:   make(chan struct{}),
	}
}

// RegisterHourly runs fn at the top of every hour.
func (s *Scheduler) RegisterHourly(id string, fn func()) error {
	return s.register(id, "0 0 * * * *", fn)
}

// RegisterWeekly runs fn at midnight on the given weekday.
func (s *Scheduler) RegisterWeekly(id string, weekday time.Weekday, fn func()) error {
	return s.register(id, fmt.Sprintf("0 0 0 * * %d", weekday), fn)
}

// RegisterMonthly runs fn at midnight on the given day of month.
func (s *Scheduler) RegisterMonthly(id string, day int, fn func()) error {
	return s.register(id, fmt.Sprintf("0 0 0 %d * *", day), fn)
}

func (s *Scheduler) register(id, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[id]; dup {
		return fmt.Errorf("scheduler: task %q already registered", id)
	}
	t := &task{
		id:   id,
		fn:   fn,
		wake: make(chan time.Duration, 1),
		done: make(chan struct{}),
	}
	if err := s.cron.AddFunc(spec, func() { s.trigger(t, 0) }); err != nil {
		return fmt.Errorf("scheduler: task %q spec %q: %w", id, spec, err)
	}
	s.tasks[id] = t
	if s.started {
		go s.worker(t)
	}
	s.logger.Debug("Task registered", "task", id, "spec", spec)
	return nil
}

// ExecuteTask fires a registered task once after the delay, on the
// task's own worker. A task already holding a pending trigger drops
// the new one.
func (s *Scheduler) ExecuteTask(id string, delay time.Duration) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	stopped := s.stopped
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if stopped {
		return fmt.Errorf("scheduler: stopped, task %q not triggered", id)
	}
	s.trigger(t, delay)
	return nil
}

func (s *Scheduler) trigger(t *task, delay time.Duration) {
	select {
	case t.wake <- delay:
	default:
		s.logger.Warn("Task trigger dropped, one already pending", "task", t.id)
	}
}

// Start launches the workers and the cron table.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for _, t := range s.tasks {
		go s.worker(t)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop halts the cron table and joins the workers. A worker still
// running its task when the timeout lapses is reported, not killed.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.cron.Stop()
	close(s.quit)

	deadline := time.After(timeout)
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-deadline:
			return fmt.Errorf("scheduler: task %q still running after %s", t.id, timeout)
		}
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) worker(t *task) {
	defer close(t.done)
	for {
		select {
		case <-s.quit:
			return
		case delay := <-t.wake:
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-s.quit:
					return
				}
			}
			s.run(t)
		}
	}
}

// run shields the worker from a panicking task.
func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "task", t.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	s.logger.Debug("Task running", "task", t.id)
	t.fn()
}
