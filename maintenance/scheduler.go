// Package maintenance runs the periodic housekeeping of the relay on cron
// schedules: dead letter retention and reclaiming abandoned queue leases.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-webhook-relay/core"
)

const (
	TaskDeadLetterRetention = "dead_letter_retention"
	TaskLeaseReclaim        = "lease_reclaim"

	defaultTaskTimeout = time.Minute
)

var (
	ErrSchedulerRunning    = errors.New("maintenance: scheduler already running")
	ErrSchedulerNotRunning = errors.New("maintenance: scheduler is not running")
	ErrUnknownTask         = errors.New("maintenance: unknown task")
)

// Task is one scheduled housekeeping step. Run reports how many rows or jobs
// it touched.
type Task struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Purger deletes dead letters older than a retention window.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

// RetentionTask purges dead letters that failed more than retention ago.
func RetentionTask(purger Purger, retention time.Duration, schedule string) Task {
	return Task{
		Name:     TaskDeadLetterRetention,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			return purger.Purge(ctx, retention)
		},
	}
}

// ReclaimTask returns expired queue leases to the ready set. reclaim is
// usually JobQueueStore.ReclaimExpired or a closure over
// redisqueue.Queue.ReclaimStuck.
func ReclaimTask(reclaim func(ctx context.Context) (int, error), schedule string) Task {
	return Task{
		Name:     TaskLeaseReclaim,
		Schedule: schedule,
		Run:      reclaim,
	}
}

type Option func(*Scheduler)

func WithObserver(observer *core.Observer) Option {
	return func(s *Scheduler) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

type Scheduler struct {
	mu       sync.Mutex
	parser   cron.Parser
	location *time.Location
	observer *core.Observer
	tasks    map[string]Task
	order    []string

	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		location: time.UTC,
		observer: core.NewObserver(glog.Nop(), nil),
		tasks:    map[string]Task{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

// Add registers a task. An empty schedule leaves the task runnable through
// RunNow only.
func (s *Scheduler) Add(task Task) error {
	task.Name = strings.TrimSpace(task.Name)
	task.Schedule = strings.TrimSpace(task.Schedule)
	if task.Name == "" {
		return fmt.Errorf("maintenance: task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("maintenance: task %s has no run func", task.Name)
	}
	if task.Schedule != "" {
		if _, err := s.parser.Parse(task.Schedule); err != nil {
			return fmt.Errorf("maintenance: task %s: invalid schedule %q: %w", task.Name, task.Schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("maintenance: task %s already registered", task.Name)
	}
	s.tasks[task.Name] = task
	s.order = append(s.order, task.Name)
	return nil
}

// Start arms every scheduled task. Runs of the same task never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	scheduled := 0
	for _, name := range s.order {
		task := s.tasks[name]
		if task.Schedule == "" {
			continue
		}
		if _, err := c.AddFunc(task.Schedule, func() { _, _ = s.run(runCtx, task) }); err != nil {
			cancel()
			return fmt.Errorf("maintenance: schedule %s: %w", task.Name, err)
		}
		scheduled++
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.observer.Log(ctx, "info", "maintenance scheduler started", map[string]any{
		"tasks":    scheduled,
		"location": s.location.String(),
	})
	return nil
}

// Stop halts the schedule and waits for in-flight runs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	done := c.Stop().Done()
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// RunNow executes a registered task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	task, ok := s.tasks[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, task)
}

func (s *Scheduler) run(ctx context.Context, task Task) (affected int, err error) {
	startedAt := time.Now()
	fields := map[string]any{"task": task.Name}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance: task %s panicked: %v", task.Name, r)
		}
		fields["affected"] = affected
		s.observer.ObserveOperation(ctx, startedAt, "maintenance_"+task.Name, err, fields)
	}()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return task.Run(runCtx)
}
