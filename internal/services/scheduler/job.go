package scheduler

import "time"

// Job describes a cron entry and the state of its last run.
type Job struct {
	Slug         string
	Handler      string
	Schedule     string
	Timeout      time.Duration
	RunOnStartup bool

	LastRunAt    *time.Time
	LastDuration time.Duration
	LastStatus   string
	ErrorMessage *string
	NextRunAt    *time.Time
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		cp.NextRunAt = &t
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		cp.ErrorMessage = &msg
	}
	return &cp
}

// DefaultPollSchedule runs the mailbox poll once a minute. Each queue is
// still only fetched when its own interval has elapsed.
const DefaultPollSchedule = "@every 1m"

// EmailPollJob is the slug of the built-in mailbox poll.
const EmailPollJob = "email-poll"

func defaultJobs(schedule string) []*Job {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}
	return []*Job{{
		Slug:         EmailPollJob,
		Handler:      handlerEmailPoll,
		Schedule:     schedule,
		RunOnStartup: true,
	}}
}
