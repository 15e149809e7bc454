package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/cache"
	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-helpdesk/internal/logging"
	"github.com/gotrs-io/gotrs-helpdesk/internal/markdown"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
	"github.com/gotrs-io/gotrs-helpdesk/internal/repository"
	"github.com/gotrs-io/gotrs-helpdesk/internal/services/scheduler"
	"github.com/gotrs-io/gotrs-helpdesk/internal/storage"
	"github.com/gotrs-io/gotrs-helpdesk/internal/webhook"
)

// app holds the process wide dependencies shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	registry  *prometheus.Registry
	store     repository.Store
	blobs     storage.Backend
	statuses  cache.PollStatusStore
	notifier  *webhook.Notifier
	metrics   *postmaster.Metrics
	scheduler *scheduler.Service
	closers   []func() error
}

func newApp(ctx context.Context, path string) (*app, error) {
	if err := config.Load(path); err != nil {
		return nil, err
	}
	cfg := config.Get()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	v := config.NewValidator(cfg)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	for _, w := range v.Warnings() {
		logger.Warn(w)
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, closeStore, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	if cfg.Storage.Path != "" {
		fs, err := storage.NewFilesystemBackend(cfg.Storage.Path, cfg.Storage.DirMode())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open attachment storage: %w", err)
		}
		a.blobs = fs
	} else {
		logger.Warn("storage.path is empty, attachments will not be saved")
	}

	statuses, closeStatuses, err := cache.Open(ctx, cfg.Redis, a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open poll status cache: %w", err)
	}
	a.statuses = statuses
	a.closers = append(a.closers, closeStatuses)

	a.notifier = webhook.FromConfig(cfg.Webhooks, store,
		webhook.WithRenderer(markdown.NewRenderer(cfg.Markdown.AllowedSchemes)),
		webhook.WithLogger(logger),
	)
	a.metrics = postmaster.NewMetrics(a.registry)

	factory, err := a.connectorFactory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = scheduler.NewService(store, a.handlerFor,
		scheduler.WithLogger(logger),
		scheduler.WithConnectorFactory(factory),
		scheduler.WithMailboxDefaults(cfg.Email.DefaultBox),
		scheduler.WithPollStatusStore(statuses),
		scheduler.WithMetrics(scheduler.NewMetrics(a.registry)),
		scheduler.WithPollSchedule(cfg.Email.PollSchedule),
	)
	return a, nil
}

func (a *app) connectorFactory(ctx context.Context) (connector.Factory, error) {
	email := a.cfg.Email
	popOpts := []connector.POP3FetcherOption{
		connector.WithPOP3Logger(a.logger),
		connector.WithPOP3DialTimeout(email.DialTimeout),
	}
	imapOpts := []connector.IMAPFetcherOption{
		connector.WithIMAPLogger(a.logger),
		connector.WithIMAPDialTimeout(email.DialTimeout),
	}
	if email.IMAPDebug {
		imapOpts = append(imapOpts, connector.WithIMAPDebug(os.Stderr))
	}
	if a.cfg.OAuth.Enabled() {
		ts, err := connector.TokenSourceFor(ctx, a.cfg.OAuth)
		if err != nil {
			return nil, fmt.Errorf("oauth: %w", err)
		}
		popOpts = append(popOpts, connector.WithPOP3TokenSource(ts))
		imapOpts = append(imapOpts, connector.WithIMAPTokenSource(ts))
	}
	return connector.DefaultFactory(
		connector.NewPOP3Fetcher(popOpts...),
		connector.NewIMAPFetcher(imapOpts...),
	), nil
}

// handlerFor builds the filter chain and processor for one queue poll so
// every log line lands in the queue's own logger.
func (a *app) handlerFor(q *models.Queue, logger logrus.FieldLogger) connector.Handler {
	email := a.cfg.Email
	policy := parser.DefaultPolicy()
	if email.MaxAttachmentSize > 0 {
		policy.MaxSize = email.MaxAttachmentSize
	}
	if len(email.ValidExtensions) > 0 {
		policy.Extensions = email.ValidExtensions
	}
	policy.ValidateTypes = email.ValidateAttachmentTypes

	p := parser.New(
		parser.WithPolicy(policy),
		parser.WithSaveOriginal(email.AlwaysSaveIncomingMessage),
		parser.WithLogger(logger),
	)
	processor := postmaster.NewTicketProcessor(a.store,
		postmaster.WithTicketProcessorLogger(logger),
		postmaster.WithTicketProcessorParser(p),
		postmaster.WithTicketProcessorStorage(a.blobs),
		postmaster.WithTicketProcessorNotifier(a.notifier),
		postmaster.WithTicketProcessorMetrics(a.metrics),
		postmaster.WithTicketProcessorUpdateOnly(email.UpdateOnly),
		postmaster.WithTicketProcessorFullFirstMessage(email.FullFirstMessage),
	)
	return postmaster.Service{
		FilterChain: filters.NewChain(
			filters.NewIgnoreFilter(a.store, logger),
			filters.NewSubjectTokenFilter(logger),
			filters.NewAutoReplyFilter(logger),
		),
		Handler: processor,
		Queue:   q,
	}
}

func (a *app) storageCheck(ctx context.Context) error {
	if a.blobs == nil {
		return nil
	}
	return a.blobs.HealthCheck(ctx)
}

// Close releases database and cache connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
