package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultStartupDelay = 10 * time.Second

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// Task is a named job run on a fixed interval.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type scheduledTask struct {
	Task
	running atomic.Bool
}

// Scheduler runs registered tasks on their intervals. A task never overlaps
// with itself, whether triggered by the schedule or by RunNow.
type Scheduler struct {
	cron         *cron.Cron
	logger       *zap.Logger
	metrics      *observability.Metrics
	startupDelay time.Duration

	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

func NewScheduler(startupDelay time.Duration, logger *zap.Logger) *Scheduler {
	if startupDelay < 0 {
		startupDelay = defaultStartupDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := cronZapLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger:       logger,
		startupDelay: startupDelay,
		tasks:        make(map[string]*scheduledTask),
	}
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %q has invalid interval %s", task.Name, task.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}
	s.tasks[task.Name] = &scheduledTask{Task: task}
	return nil
}

// Tasks returns the registered task names in sorted order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start schedules every task and blocks until ctx is done. Running tasks are
// awaited before it returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	tasks := make([]*scheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	for _, task := range tasks {
		task := task
		s.cron.Schedule(cron.Every(task.Interval), cron.FuncJob(func() {
			_ = s.run(ctx, task)
		}))
		s.logger.Info("task scheduled",
			zap.String("task", task.Name),
			zap.Duration("interval", task.Interval),
		)
	}
	s.cron.Start()

	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		s.runStartupTasks(ctx, tasks)
	}()

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	startup.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow runs a task synchronously unless it is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	return s.run(ctx, task)
}

func (s *Scheduler) runStartupTasks(ctx context.Context, tasks []*scheduledTask) {
	if s.startupDelay > 0 {
		timer := time.NewTimer(s.startupDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	for _, task := range tasks {
		if !task.RunOnStart {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.run(ctx, task); err != nil && !errors.Is(err, ErrTaskRunning) && ctx.Err() == nil {
			s.logger.Error("startup task failed", zap.String("task", task.Name), zap.Error(err))
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task *scheduledTask) error {
	if !task.running.CompareAndSwap(false, true) {
		s.logger.Info("task still running, skipping", zap.String("task", task.Name))
		return fmt.Errorf("%w: %s", ErrTaskRunning, task.Name)
	}
	defer task.running.Store(false)

	start := time.Now()
	err := task.Run(ctx)
	duration := time.Since(start)
	s.metrics.ObserveTaskRun(task.Name, duration, err)

	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("task failed",
				zap.String("task", task.Name),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		}
		return err
	}

	s.logger.Info("task finished",
		zap.String("task", task.Name),
		zap.Duration("duration", duration),
	)
	return nil
}

// cronZapLogger adapts zap to cron.Logger.
type cronZapLogger struct {
	logger *zap.SugaredLogger
}

func (l cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
