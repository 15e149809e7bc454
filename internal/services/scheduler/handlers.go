package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/cache"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/adapter"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/logging"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

const handlerEmailPoll = "email_poll"

func (s *Service) registerBuiltinHandlers() {
	s.RegisterHandler(handlerEmailPoll, s.handleEmailPoll)
}

func (s *Service) handleEmailPoll(ctx context.Context, _ *Job) error {
	return s.PollAll(ctx)
}

// PollAll fetches every mail queue that is due, one after the other. A failing
// queue does not stop the others; their errors are joined.
func (s *Service) PollAll(ctx context.Context) error {
	if s.queues == nil {
		return errors.New("scheduler: queue store not configured")
	}
	if s.newHandler == nil {
		return errors.New("scheduler: message handler not configured")
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	queues, err := s.queues.ListMailQueues(ctx)
	if err != nil {
		return fmt.Errorf("list mail queues: %w", err)
	}

	var errs []error
	for _, q := range queues {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if q == nil || !q.DueForCheck(s.now()) {
			continue
		}
		if err := s.pollQueue(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Slug, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) pollQueue(ctx context.Context, q *models.Queue) error {
	logger, closeLog, err := logging.ForQueue(s.logger, q)
	if err != nil {
		s.logger.WithError(err).WithField("queue", q.Slug).Warn("scheduler: queue log file unavailable")
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			s.logger.WithError(cerr).WithField("queue", q.Slug).Debug("scheduler: closing queue log")
		}
	}()

	status := cache.PollStatus{Queue: q.Slug, StartedAt: s.now(), Messages: map[string]int{}}
	runErr := s.fetchQueue(ctx, q, logger, status.Messages)
	status.FinishedAt = s.now()
	status.Duration = status.FinishedAt.Sub(status.StartedAt)

	fields := logrus.Fields{"duration": status.Duration.String()}
	for k, v := range status.Messages {
		fields[k] = v
	}
	if runErr != nil {
		status.Error = runErr.Error()
		logger.WithError(runErr).WithFields(fields).Error("mailbox poll failed")
	} else {
		if err := s.queues.UpdateQueueLastCheck(ctx, q.ID, status.FinishedAt); err != nil {
			runErr = fmt.Errorf("update last check: %w", err)
			status.Error = runErr.Error()
		}
		logger.WithFields(fields).Info("mailbox poll finished")
	}

	s.metrics.observePoll(q.Slug, status.Duration, status.FinishedAt, runErr)
	if err := s.statuses.Record(ctx, status); err != nil {
		logger.WithError(err).Warn("recording poll status failed")
	}
	return runErr
}

func (s *Service) fetchQueue(ctx context.Context, q *models.Queue, logger logrus.FieldLogger, counts map[string]int) error {
	account := adapter.AccountFromQueue(q, s.defaults)
	fetcher, err := s.factory.FetcherFor(account)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"connector": fetcher.Name(),
		"host":      account.Host,
	}).Debug("polling mailbox")

	inner := s.newHandler(q, logger)
	if inner == nil {
		return errors.New("no message handler for queue")
	}
	counting := connector.HandlerFunc(func(ctx context.Context, msg *connector.FetchedMessage) (connector.Disposition, error) {
		disposition, err := inner.Handle(ctx, msg)
		if err != nil {
			counts["failed"]++
			return disposition, err
		}
		counts[disposition.String()]++
		return disposition, nil
	})
	return fetcher.Fetch(ctx, account, counting)
}
