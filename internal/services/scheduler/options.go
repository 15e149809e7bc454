package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/cache"
	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
)

type options struct {
	Logger       *logrus.Logger
	Factory      connector.Factory
	Defaults     config.DefaultBoxConfig
	Statuses     cache.PollStatusStore
	Metrics      *Metrics
	Cron         *cron.Cron
	Parser       cron.Parser
	Jobs         []*Job
	PollSchedule string
	Location     *time.Location
	Clock        func() time.Time
}

// Option applies configuration to the scheduler service.
type Option func(*options)

func defaultOptions() options {
	return options{Logger: logrus.StandardLogger(), Location: time.UTC}
}

// WithLogger injects the base logger. Per-queue loggers derive from it.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithConnectorFactory supplies the fetcher lookup.
func WithConnectorFactory(f connector.Factory) Option {
	return func(o *options) {
		o.Factory = f
	}
}

// WithMailboxDefaults sets the global QUEUE_EMAIL_BOX_* fallbacks.
func WithMailboxDefaults(d config.DefaultBoxConfig) Option {
	return func(o *options) {
		o.Defaults = d
	}
}

// WithPollStatusStore records each queue poll outcome.
func WithPollStatusStore(s cache.PollStatusStore) Option {
	return func(o *options) {
		o.Statuses = s
	}
}

// WithMetrics enables Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.Metrics = m
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser allows replacing the cron expression parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithJobs registers explicit job definitions instead of defaults.
func WithJobs(jobs []*Job) Option {
	return func(o *options) {
		o.Jobs = jobs
	}
}

// WithPollSchedule overrides the cron spec of the default poll job.
func WithPollSchedule(spec string) Option {
	return func(o *options) {
		o.PollSchedule = spec
	}
}

// WithLocation sets the scheduler timezone location.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Clock = now
	}
}
