package service

import (
	"context"
	"sync"
	"time"

	apperrors "maxrelay/internal/errors"
	"maxrelay/internal/metrics"
	"maxrelay/internal/models"
	"maxrelay/internal/retry"
	"maxrelay/internal/state"
	"maxrelay/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// SubscriberSource yields the Telegram recipients of one MAX chat.
type SubscriberSource interface {
	SubscribersFor(chatID int64) []int64
}

// RelayCoordinator runs one pipeline goroutine per active catalog chat. Each
// pipeline moves its chat through backfill into live relay and advances the
// durable offset only after delivery, so a crash re-delivers rather than
// skips. Pipelines are isolated: a failure stops its own chat only.
type RelayCoordinator struct {
	listener    SourceListener
	resolver    ContentResolver
	dispatcher  DeliveryDispatcher
	offsets     *state.OffsetStore
	catalog     *state.CatalogStore
	subscribers SubscriberSource
	backoff     *retry.Backoff
	logger      *logrus.Logger

	startupHistory int
	refreshEvery   time.Duration

	mu        sync.Mutex
	pipelines map[int64]context.CancelFunc
	failed    map[int64]bool
	wg        sync.WaitGroup
}

func NewRelayCoordinator(
	listener SourceListener,
	resolver ContentResolver,
	dispatcher DeliveryDispatcher,
	offsets *state.OffsetStore,
	catalog *state.CatalogStore,
	subscribers SubscriberSource,
	backoff *retry.Backoff,
	startupHistory int,
	refreshEvery time.Duration,
	logger *logrus.Logger,
) *RelayCoordinator {
	return &RelayCoordinator{
		listener:       listener,
		resolver:       resolver,
		dispatcher:     dispatcher,
		offsets:        offsets,
		catalog:        catalog,
		subscribers:    subscribers,
		backoff:        backoff,
		startupHistory: startupHistory,
		refreshEvery:   refreshEvery,
		logger:         logger,
		pipelines:      make(map[int64]context.CancelFunc),
		failed:         make(map[int64]bool),
	}
}

// Run starts a pipeline for every active chat and then reconciles the
// pipeline set against the catalog until the context is cancelled.
func (rc *RelayCoordinator) Run(ctx context.Context) error {
	rc.reconcile(ctx)

	ticker := time.NewTicker(rc.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rc.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			rc.reconcile(ctx)
		}
	}
}

// reconcile starts pipelines for newly activated chats and cancels pipelines
// whose chats were deactivated. Deactivation keeps the offset, so a later
// reactivation resumes instead of backfilling.
func (rc *RelayCoordinator) reconcile(ctx context.Context) {
	active := make(map[int64]bool)
	for _, chatID := range rc.catalog.ActiveChats() {
		active[chatID] = true
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	for chatID := range active {
		if _, running := rc.pipelines[chatID]; running {
			continue
		}
		// failed pipelines stay down; operator intervention, not a
		// restart loop, is the answer to unwritable state
		if rc.failed[chatID] {
			continue
		}
		pipeCtx, cancel := context.WithCancel(ctx)
		rc.pipelines[chatID] = cancel
		rc.wg.Add(1)
		go func(id int64) {
			defer rc.wg.Done()
			clean := rc.runPipeline(pipeCtx, id)
			rc.mu.Lock()
			delete(rc.pipelines, id)
			if !clean {
				rc.failed[id] = true
			}
			rc.mu.Unlock()
		}(chatID)
	}

	for chatID, cancel := range rc.pipelines {
		if !active[chatID] {
			rc.logger.WithField("chat_id", chatID).Info("Chat deactivated, stopping pipeline")
			cancel()
		}
	}
}

// Running reports how many pipelines are currently alive.
func (rc *RelayCoordinator) Running() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pipelines)
}

// runPipeline is the per-chat state machine. A chat with no recorded offset
// is backfilled from recent history first; after that the pipeline consumes
// the live stream, skipping anything at or below the offset. Returns false
// when the pipeline died on an error rather than cancellation or shutdown.
func (rc *RelayCoordinator) runPipeline(ctx context.Context, chatID int64) bool {
	log := rc.logger.WithField("chat_id", chatID)

	// Subscribe before backfill so live messages arriving during the
	// history pass queue up instead of being lost. The offset guard in the
	// live loop drops the overlap.
	ch := rc.listener.Subscribe(chatID)
	defer rc.listener.Unsubscribe(chatID)

	offset, known := rc.offsets.Get(chatID)
	if !known {
		backfilled, err := rc.backfill(ctx, chatID)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			log.WithError(err).Error("Backfill failed, pipeline stopped")
			metrics.IncrementCounter("relay_pipeline_failures_total",
				map[string]string{"stage": "backfill"}, "Pipelines stopped by an unrecoverable error")
			return false
		}
		offset = backfilled
		log.WithField("offset", offset).Info("Backfill complete, relaying live")
	} else {
		log.WithField("offset", offset).Info("Resuming from recorded offset")
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-ch:
			if !ok {
				log.Info("Live stream closed, pipeline stopped")
				return true
			}
			if msg.ID <= offset {
				continue
			}
			// deactivation may land between reconcile ticks
			if entry, ok := rc.catalog.Get(chatID); !ok || !entry.Active {
				continue
			}

			rc.process(ctx, msg)

			// shutdown mid-delivery: leave the offset behind so a
			// restart re-delivers instead of silently skipping
			if ctx.Err() != nil {
				return true
			}

			if err := rc.offsets.Set(chatID, msg.ID); err != nil {
				log.WithError(err).Error("Offset persistence failed, pipeline stopped")
				metrics.IncrementCounter("relay_pipeline_failures_total",
					map[string]string{"stage": "persist"}, "Pipelines stopped by an unrecoverable error")
				return false
			}
			offset = msg.ID
		}
	}
}

// backfill delivers the recent history of a never-seen chat, oldest first,
// and records the offset of the last message once. Returns the new offset.
func (rc *RelayCoordinator) backfill(ctx context.Context, chatID int64) (int64, error) {
	var history []models.InboundMessage
	err := rc.backoff.RetryWithPredicate(ctx, func() error {
		var fetchErr error
		history, fetchErr = rc.listener.History(ctx, chatID, rc.startupHistory)
		return fetchErr
	}, apperrors.IsRetryable)
	if err != nil {
		return 0, err
	}

	var last int64
	for _, msg := range history {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		rc.process(ctx, msg)
		last = msg.ID
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	if err := rc.offsets.Set(chatID, last); err != nil {
		return 0, err
	}
	return last, nil
}

// process resolves and dispatches one message. Delivery failures are final
// here: recipients that failed permanently are logged by the dispatcher and
// the offset still advances, trading a lost recipient copy for forward
// progress of the whole chat.
func (rc *RelayCoordinator) process(ctx context.Context, msg models.InboundMessage) {
	ctx, span := tracing.StartSpan(ctx, "relay.process",
		attribute.Int64("chat.id", msg.ChatID),
		attribute.Int64("message.id", msg.ID),
	)
	defer span.End()

	recipients := rc.subscribers.SubscribersFor(msg.ChatID)
	if len(recipients) == 0 {
		return
	}

	content, err := rc.resolver.Resolve(ctx, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		rc.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id":    msg.ChatID,
			"message_id": msg.ID,
		}).Error("Resolution aborted")
		return
	}

	attempts := rc.dispatcher.Dispatch(ctx, content, recipients)
	for _, a := range attempts {
		if a.Status == models.DeliveryStatusFailed {
			tracing.RecordError(ctx, a.Err, attribute.Int64("recipient", a.Recipient))
		}
	}
	metrics.IncrementCounter("relay_messages_total", nil, "Messages relayed through any pipeline")
}
