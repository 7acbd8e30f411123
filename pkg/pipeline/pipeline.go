// Package pipeline assembles the inbound message pipeline from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatpipe/pkg/assistant"
	"chatpipe/pkg/breaker"
	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel"
	"chatpipe/pkg/channel/telegram"
	"chatpipe/pkg/channel/whatsapp"
	"chatpipe/pkg/config"
	"chatpipe/pkg/fallback"
	"chatpipe/pkg/guard"
	"chatpipe/pkg/ledger"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/notice"
	"chatpipe/pkg/orchestrator"
	"chatpipe/pkg/processor"
	"chatpipe/pkg/provider"
	"chatpipe/pkg/store"
)

// Options overrides collaborators that are otherwise built from config.
type Options struct {
	Store     store.Store
	Messenger channel.Messenger
	Primary   provider.Client
	Fallback  provider.Client
	Bus       *bus.MessageBus
	Metrics   metrics.Sink
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Pipeline holds every wired component.
type Pipeline struct {
	Config       *config.Config
	Store        store.Store
	Flags        *config.Flags
	Notices      *notice.Catalog
	Metrics      metrics.Sink
	Messenger    channel.Messenger
	Alerter      *telegram.Alerter
	Breaker      *breaker.Breaker
	Primary      provider.Client
	Fallback     provider.Client
	Assistant    *assistant.Assistant
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Guard        *guard.Guard
	Bus          *bus.MessageBus
	Executor     *processor.Executor
	Processor    *processor.Processor
}

// Build wires the pipeline. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	notices, err := notice.Load(cfg.Notices.Language, cfg.Notices.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load notices: %w", err)
	}

	sink := opts.Metrics
	if sink == nil {
		sink = metrics.NewOTel(log)
	}

	messenger := opts.Messenger
	if messenger == nil {
		client, err := whatsapp.New(cfg.WhatsApp, whatsapp.Options{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("initialize whatsapp client: %w", err)
		}
		messenger = client
	}

	alerter, err := telegram.NewAlerter(cfg.Alerts.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram alerter: %w", err)
	}

	primary, secondary := opts.Primary, opts.Fallback
	if primary == nil {
		primary, secondary, err = provider.Pair(cfg)
		if err != nil {
			return nil, err
		}
	}

	st := opts.Store
	if st == nil {
		st, err = store.Open(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	mb := opts.Bus
	if mb == nil {
		mb = bus.NewMessageBus()
	}

	p := &Pipeline{
		Config:    cfg,
		Store:     st,
		Flags:     config.NewFlags(cfg.Features),
		Notices:   notices,
		Metrics:   sink,
		Messenger: messenger,
		Alerter:   alerter,
		Primary:   primary,
		Fallback:  secondary,
		Bus:       mb,
	}

	p.Breaker = breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    seconds(cfg.Breaker.FailureWindowSeconds),
		ResetTimeout:     seconds(cfg.Breaker.ResetTimeoutSeconds),
		Clock:            breaker.Clock(now),
		Logger:           log,
	})

	p.Assistant, err = assistant.New(assistant.Options{
		Primary:   primary,
		Fallback:  secondary,
		Executor:  fallback.New(p.Breaker, sink, log),
		Memory:    assistant.NewMemory(assistant.DefaultMemoryTurns, assistant.DefaultMemoryConversations),
		Budget:    assistant.NewBudget(cfg.Providers.DailyTokenBudget, now),
		Messenger: messenger,
		Logger:    log,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("initialize assistant: %w", err)
	}

	p.Orchestrator = orchestrator.New(orchestrator.Options{
		Conversation: p.Assistant,
		Media:        p.Assistant,
		Messenger:    messenger,
		Notices:      notices,
		Flags:        p.Flags,
		Metrics:      sink,
		Timeouts:     orchestrator.TimeoutsFromConfig(cfg.Pipeline),
		Logger:       log,
		Clock:        now,
	})

	p.Ledger = ledger.New(ledger.Options{
		Store:       st,
		Alerter:     alerter,
		Metrics:     sink,
		Logger:      log,
		Clock:       now,
		MaxAttempts: cfg.Ledger.MaxAttempts,
		StaleAfter:  cfg.Ledger.StaleClaimAfter(),
	})

	p.Guard = guard.New(
		seconds(cfg.RateLimit.MinIntervalSeconds),
		time.Duration(cfg.RateLimit.EntryTTLMinutes)*time.Minute,
		guard.WithClock(now),
	)

	p.Executor = processor.NewExecutor(cfg.Pipeline.QueueSize, log)
	p.Processor, err = processor.New(processor.Options{
		Store:             st,
		Ledger:            p.Ledger,
		Orchestrator:      p.Orchestrator,
		Messenger:         messenger,
		Notices:           notices,
		Flags:             p.Flags,
		Bus:               p.Bus,
		Executor:          p.Executor,
		Logger:            log,
		Clock:             now,
		PersistRetryDelay: time.Duration(cfg.Pipeline.PersistRetryDelayMillis) * time.Millisecond,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("initialize processor: %w", err)
	}

	return p, nil
}

// Workers is the configured background worker count.
func (p *Pipeline) Workers() int {
	if p.Config.Pipeline.Workers > 0 {
		return p.Config.Pipeline.Workers
	}
	return 4
}

// BatchLimit is the configured drain batch size.
func (p *Pipeline) BatchLimit() int {
	if p.Config.Ledger.BatchLimit > 0 {
		return p.Config.Ledger.BatchLimit
	}
	return ledger.DefaultBatchLimit
}

// Close releases the bus and the store.
func (p *Pipeline) Close() error {
	if p.Bus != nil {
		p.Bus.Close()
	}
	if p.Store != nil {
		return p.Store.Close()
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
