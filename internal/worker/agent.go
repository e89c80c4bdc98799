// Package worker contains the dispatch consumer that drives jobs one stage at a time.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/dispatch"
	"docflow/internal/logger"
	"docflow/internal/orchestrator"
	"docflow/internal/stage"
	"docflow/internal/store"
	"docflow/internal/tenant"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AgentConfig tunes the pull loop. Zero values take the defaults noted per field.
type AgentConfig struct {
	ID           string
	Concurrency  int           // messages processed at once (1)
	PollInterval time.Duration // first idle wait (1s)
	MaxBackoff   time.Duration // idle waits double up to this (30s)

	HeartbeatInterval   time.Duration // how often a busy message is re-hidden (2m)
	VisibilityExtension time.Duration // how far each heartbeat hides it (5m)

	BusyRetryDelay time.Duration // redelivery delay when another worker holds the job lease (30s)
	ErrorRetryBase time.Duration // first redelivery delay after an infrastructure error (5s)
	ErrorRetryMax  time.Duration // cap for that delay (5m)
	MaxDeliveries  int           // deliveries before a message is dead-lettered (20)
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Minute
	}
	if c.VisibilityExtension <= 0 {
		c.VisibilityExtension = 5 * time.Minute
	}
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = 30 * time.Second
	}
	if c.ErrorRetryBase <= 0 {
		c.ErrorRetryBase = 5 * time.Second
	}
	if c.ErrorRetryMax <= 0 {
		c.ErrorRetryMax = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 20
	}
	return c
}

// Router establishes tenant scope.
type Router interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, s *tenant.Scope) error) error
}

// Runner advances a job by one stage.
type Runner interface {
	RunNextStage(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (orchestrator.Outcome, error)
}

// Agent pulls dispatch messages and runs one stage per message.
type Agent struct {
	queue  dispatch.Queue
	router Router
	runner Runner
	config AgentConfig
	logger *slog.Logger
	done   chan struct{}

	tracer   trace.Tracer
	messages metric.Int64Counter
}

func New(q dispatch.Queue, router Router, runner Runner, config AgentConfig, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	messages, _ := otel.Meter("docflow/worker").Int64Counter("docflow.worker.messages",
		metric.WithDescription("Dispatch messages settled by action"))

	return &Agent{
		queue:    q,
		router:   router,
		runner:   runner,
		config:   config.withDefaults(),
		logger:   log,
		done:     make(chan struct{}),
		tracer:   otel.Tracer("docflow/worker"),
		messages: messages,
	}
}

// Run receives messages until ctx is cancelled, then waits for in-flight messages.
// Receives are sized to the free slots; an empty receive doubles the idle wait.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "worker_id", a.config.ID, "concurrency", a.config.Concurrency)

	slots := make(chan struct{}, a.config.Concurrency)
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	var inflight sync.WaitGroup
	idle := a.config.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("draining in-flight messages", "worker_id", a.config.ID)
			inflight.Wait()
			close(a.done)
			return ctx.Err()
		case <-timer.C:
		case <-wake:
		}

		free := cap(slots) - len(slots)
		if free == 0 {
			timer.Reset(idle)
			continue
		}

		deliveries, err := a.queue.Receive(ctx, free)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				a.logger.Error("receive failed", "error", err)
			}
			idle = min(idle*2, a.config.MaxBackoff)
		case len(deliveries) == 0:
			idle = min(idle*2, a.config.MaxBackoff)
		default:
			idle = a.config.PollInterval
		}

		for _, d := range deliveries {
			slots <- struct{}{}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				// a started stage finishes even during shutdown
				a.process(context.WithoutCancel(ctx), d)
				<-slots
				notify()
			}()
		}
		if len(deliveries) > 0 && len(deliveries) < free {
			notify()
		}
		timer.Reset(idle)
	}
}

// Done is closed once Run has returned and every in-flight message is settled.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// process handles one delivery and settles it exactly once.
func (a *Agent) process(ctx context.Context, d dispatch.Delivery) {
	msg, err := d.Message()
	if err != nil {
		a.settle(ctx, d, a.logger, actionDeadLetter, 0, err)
		return
	}

	ctx = logger.WithJobID(logger.WithTenantID(msg.ExtractTrace(ctx), msg.TenantID), msg.JobID)
	log := logger.FromContext(ctx, a.logger)

	ctx, span := a.tracer.Start(ctx, "worker.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("tenant.id", msg.TenantID.String()),
			attribute.String("job.id", msg.JobID.String()),
			attribute.Int("dispatch.cursor", msg.Cursor),
			attribute.Int("dispatch.attempt", d.Attempt()),
		),
	)
	defer span.End()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.runHeartbeat(heartbeatCtx, d, log)

	var outcome orchestrator.Outcome
	err = a.router.WithTenant(ctx, msg.TenantID, func(ctx context.Context, s *tenant.Scope) error {
		var runErr error
		outcome, runErr = a.runner.RunNextStage(ctx, s, msg.JobID)
		return runErr
	})
	stopHeartbeat()

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	act := classify(err)
	if act == actionRetry && d.Attempt() >= a.config.MaxDeliveries {
		act = actionDeadLetter
	}
	log.Debug("stage run finished", "outcome", outcome, "action", act)
	a.settle(ctx, d, log, act, a.retryDelay(err, d.Attempt()), err)
}

func (a *Agent) retryDelay(err error, attempt int) time.Duration {
	if errors.Is(err, orchestrator.ErrJobBusy) {
		return a.config.BusyRetryDelay
	}
	return orchestrator.Backoff(a.config.ErrorRetryBase, a.config.ErrorRetryMax, attempt)
}

func (a *Agent) settle(ctx context.Context, d dispatch.Delivery, log *slog.Logger, act action, delay time.Duration, cause error) {
	var err error
	switch act {
	case actionAck:
		err = d.Ack(ctx)
	case actionRetry:
		log.Warn("message will be retried", "error", cause, "delay", delay, "attempt", d.Attempt())
		err = d.Retry(ctx, delay)
	case actionDeadLetter:
		log.Error("message dead-lettered", "error", cause, "attempt", d.Attempt())
		reason := "unknown"
		if cause != nil {
			reason = cause.Error()
		}
		err = d.DeadLetter(ctx, reason)
	}
	a.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(act))))
	if err != nil {
		// The message becomes visible again after its timeout, so nothing is lost.
		log.Error("failed to settle message", "action", act, "error", err)
	}
}

// runHeartbeat extends the message's visibility while its stage is running, so a long
// stage is not handed to a second worker.
func (a *Agent) runHeartbeat(ctx context.Context, d dispatch.Delivery, log *slog.Logger) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Extend(ctx, a.config.VisibilityExtension); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

type action string

const (
	actionAck        action = "ack"
	actionRetry      action = "retry"
	actionDeadLetter action = "dead_letter"
)

// classify maps the result of one stage run to what happens to its message.
// Errors no redelivery can fix go to the dead-letter queue.
func classify(err error) action {
	if err == nil {
		return actionAck
	}
	var cfgErr *orchestrator.ConfigError
	switch {
	case errors.As(err, &cfgErr),
		errors.Is(err, stage.ErrUnknownStageType),
		errors.Is(err, store.ErrTenantNotFound),
		errors.Is(err, store.ErrTenantRetired),
		errors.Is(err, tenant.ErrNoTenantScope),
		errors.Is(err, dispatch.ErrMalformedMessage),
		errors.Is(err, store.ErrNotFound):
		return actionDeadLetter
	}
	return actionRetry
}
