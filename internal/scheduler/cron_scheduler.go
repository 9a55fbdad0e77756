// Package scheduler fires periodic hookwatch passes on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned for an unknown job name
var ErrJobNotFound = errors.New("job not found")

// Job is one periodic pass. now is the time the pass was triggered.
type Job func(ctx context.Context, now time.Time) error

// JobInfo describes a registered job
type JobInfo struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev"`
}

// CronScheduler runs jobs on standard cron expressions. Runs of the same job
// never overlap; a tick that fires while the previous run is still going is
// skipped.
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]registeredJob
	ctx     context.Context
	cancel  context.CancelFunc
}

type registeredJob struct {
	id         cron.EntryID
	expression string
	job        Job
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cronOptions...),
		clock:   time.Now,
		entries: make(map[string]registeredJob),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddJob registers job under name. Expressions use the five-field cron
// format or descriptors such as @every 1m.
func (s *CronScheduler) AddJob(name, expression string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	id, err := s.cron.AddJob(expression, &cronJob{scheduler: s, name: name, job: job})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	s.entries[name] = registeredJob{id: id, expression: expression, job: job}

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", s.cron.Entry(id).Schedule.Next(s.clock())))
	return nil
}

// RemoveJob unregisters a job
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(entry.id)
	delete(s.entries, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// Jobs lists the registered jobs ordered by name
func (s *CronScheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]JobInfo, 0, len(s.entries))
	for name, entry := range s.entries {
		e := s.cron.Entry(entry.id)
		jobs = append(jobs, JobInfo{
			Name:       name,
			Expression: entry.expression,
			Next:       e.Next,
			Prev:       e.Prev,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunNow runs a registered job synchronously outside its schedule
func (s *CronScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return entry.job(ctx, s.clock())
}

// Start starts firing jobs in the background
func (s *CronScheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("jobs", len(s.Jobs())))
	s.cron.Start()
}

// Stop stops firing jobs, cancels the context passed to running jobs and
// waits for them to return
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	name      string
	job       Job
}

// Run implements cron.Job
func (j *cronJob) Run() {
	now := j.scheduler.clock()
	logger := j.scheduler.logger.With(zap.String("job", j.name))

	if err := j.job(j.scheduler.ctx, now); err != nil {
		logger.Error("Job failed",
			zap.Time("triggered_at", now),
			zap.Duration("elapsed", time.Since(now)),
			zap.Error(err))
		return
	}
	logger.Debug("Job completed",
		zap.Time("triggered_at", now),
		zap.Duration("elapsed", time.Since(now)))
}
