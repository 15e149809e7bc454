package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/cache"
	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// QueueStore lists the mail queues and records when each was last polled.
type QueueStore interface {
	ListMailQueues(ctx context.Context) ([]*models.Queue, error)
	UpdateQueueLastCheck(ctx context.Context, queueID int, at time.Time) error
}

// HandlerFactory builds the message handler used while polling q. logger is
// the queue scoped logger.
type HandlerFactory func(q *models.Queue, logger logrus.FieldLogger) connector.Handler

// Handler executes a scheduled job.
type Handler func(context.Context, *Job) error

// Service coordinates scheduled job execution.
type Service struct {
	queues     QueueStore
	newHandler HandlerFactory
	factory    connector.Factory
	defaults   config.DefaultBoxConfig
	statuses   cache.PollStatusStore
	metrics    *Metrics
	cron       *cron.Cron
	parser     cron.Parser
	handlers   map[string]Handler
	entries    map[string]cron.EntryID
	jobs       map[string]*Job
	mu         sync.RWMutex
	handlerMu  sync.RWMutex
	pollMu     sync.Mutex
	rootCtx    context.Context
	logger     *logrus.Logger
	startOnce  sync.Once
	stopOnce   sync.Once
	location   *time.Location
	clock      func() time.Time
}

// NewService wires a scheduler around the queue store and the per-queue
// handler factory.
func NewService(queues QueueStore, newHandler HandlerFactory, opts ...Option) *Service {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	location := options.Location
	if location == nil {
		location = time.UTC
	}

	factory := options.Factory
	if factory == nil {
		factory = connector.DefaultFactory(nil, nil)
	}
	statuses := options.Statuses
	if statuses == nil {
		statuses = cache.NewMemoryPollStatus()
	}
	cronEngine := options.Cron
	if cronEngine == nil {
		cronEngine = cron.New(cron.WithLocation(location))
	}
	var zeroParser cron.Parser
	parser := options.Parser
	if parser == zeroParser {
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}

	jobs := make(map[string]*Job)
	defs := options.Jobs
	if len(defs) == 0 {
		defs = defaultJobs(options.PollSchedule)
	}
	for _, job := range defs {
		if job == nil || job.Slug == "" || job.Schedule == "" {
			continue
		}
		jobs[job.Slug] = job.Clone()
	}

	s := &Service{
		queues:     queues,
		newHandler: newHandler,
		factory:    factory,
		defaults:   options.Defaults,
		statuses:   statuses,
		metrics:    options.Metrics,
		cron:       cronEngine,
		parser:     parser,
		handlers:   make(map[string]Handler),
		entries:    make(map[string]cron.EntryID),
		jobs:       jobs,
		logger:     options.Logger,
		location:   location,
		clock:      options.Clock,
	}

	s.registerBuiltinHandlers()
	return s
}

// Run starts the scheduler loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.rootCtx = ctx
		s.scheduleAllJobs()
		s.cron.Start()
		s.runStartupJobs()
	})

	<-ctx.Done()
	s.stopCron()
	return nil
}

// Jobs returns a snapshot of every registered job.
func (s *Service) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

func (s *Service) runStartupJobs() {
	s.mu.RLock()
	var startupJobs []string
	for slug, job := range s.jobs {
		if job != nil && job.RunOnStartup {
			startupJobs = append(startupJobs, slug)
		}
	}
	s.mu.RUnlock()

	for _, slug := range startupJobs {
		s.mu.RLock()
		entryID := s.entries[slug]
		s.mu.RUnlock()
		go s.executeJob(slug, entryID)
	}
}

func (s *Service) scheduleAllJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slug, job := range s.jobs {
		if job == nil {
			continue
		}
		if err := s.addJobLocked(job.Clone()); err != nil {
			s.logger.WithError(err).WithField("job", slug).Error("scheduler: failed to schedule job")
		}
	}
}

func (s *Service) stopCron() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("scheduler: timed out waiting for jobs to finish")
		}
	})
}

func (s *Service) addJobLocked(job *Job) error {
	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return err
	}

	slug := job.Slug
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.executeJob(slug, entryID)
	}))

	s.entries[slug] = entryID
	s.jobs[slug] = job
	return nil
}

func (s *Service) executeJob(slug string, entryID cron.EntryID) {
	job := s.jobSnapshot(slug)
	if job == nil {
		return
	}

	handler := s.getHandler(job.Handler)
	if handler == nil {
		start := s.now()
		s.finalizeRun(job, slug, entryID, start, start, statusFailed, fmt.Errorf("handler %s not registered", job.Handler))
		return
	}

	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	jobCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}

	var runErr error
	func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = handler(jobCtx, job)
	}()

	finish := s.now()
	status := statusSuccess
	if runErr != nil {
		status = statusFailed
		s.logger.WithError(runErr).WithField("job", slug).Error("scheduler: job failed")
	}

	s.finalizeRun(job, slug, entryID, start, finish, status, runErr)
}

func (s *Service) finalizeRun(job *Job, slug string, entryID cron.EntryID, start, finish time.Time, status string, runErr error) {
	cloned := job.Clone()
	cloned.LastRunAt = &finish
	cloned.LastDuration = finish.Sub(start)
	cloned.LastStatus = status
	if runErr != nil {
		msg := runErr.Error()
		cloned.ErrorMessage = &msg
	} else {
		cloned.ErrorMessage = nil
	}

	if entry := s.cron.Entry(entryID); entry.ID != 0 && !entry.Next.IsZero() {
		next := entry.Next.In(s.location)
		cloned.NextRunAt = &next
	} else {
		cloned.NextRunAt = nil
	}

	s.mu.Lock()
	s.jobs[slug] = cloned
	s.mu.Unlock()
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().In(s.location)
	}
	return time.Now().In(s.location)
}

func (s *Service) jobSnapshot(slug string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job, ok := s.jobs[slug]; ok {
		return job.Clone()
	}
	return nil
}

func (s *Service) getHandler(name string) Handler {
	if name == "" {
		return nil
	}
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handlers[name]
}

// RegisterHandler attaches or replaces a handler for the given name. Passing nil removes the handler.
func (s *Service) RegisterHandler(name string, handler Handler) {
	if name == "" {
		return
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if handler == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = handler
}
