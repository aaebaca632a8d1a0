package service

import (
	"context"
	"time"

	apperrors "maxrelay/internal/errors"
	"maxrelay/internal/metrics"
	"maxrelay/internal/models"
	"maxrelay/internal/retry"
	"maxrelay/pkg/circuitbreaker"
	"maxrelay/pkg/telegram"

	"github.com/sirupsen/logrus"
)

// DeliveryDispatcher sends resolved content to a set of Telegram recipients.
// Recipients are independent: one recipient failing, even permanently, never
// prevents delivery to the others.
type DeliveryDispatcher interface {
	Dispatch(ctx context.Context, content *models.ResolvedContent, recipients []int64) []models.DeliveryAttempt
}

type deliveryDispatcher struct {
	tg      telegram.Client
	backoff *retry.Backoff
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewDeliveryDispatcher(tg telegram.Client, backoff *retry.Backoff, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) DeliveryDispatcher {
	return &deliveryDispatcher{
		tg:      tg,
		backoff: backoff,
		breaker: breaker,
		logger:  logger,
	}
}

// Dispatch delivers the text and every binary part to each recipient in
// turn. Transient Telegram failures are retried with backoff; permanent ones
// mark that recipient's attempt failed and move on.
func (d *deliveryDispatcher) Dispatch(ctx context.Context, content *models.ResolvedContent, recipients []int64) []models.DeliveryAttempt {
	attempts := make([]models.DeliveryAttempt, 0, len(recipients))

	for _, recipient := range recipients {
		start := time.Now()
		err := d.deliverTo(ctx, content, recipient)

		attempt := models.DeliveryAttempt{Recipient: recipient, Status: models.DeliveryStatusSent}
		if err != nil {
			attempt.Status = models.DeliveryStatusFailed
			attempt.Err = err
			d.logger.WithError(err).WithFields(logrus.Fields{
				"chat_id":    content.ChatID,
				"message_id": content.MessageID,
				"recipient":  recipient,
			}).Error("Delivery failed")
		}

		metrics.IncrementCounter("dispatcher_deliveries_total",
			map[string]string{"status": string(attempt.Status)},
			"Delivery attempts by outcome")
		metrics.RecordTimer("dispatcher_delivery_duration", time.Since(start), nil)

		attempts = append(attempts, attempt)
	}

	return attempts
}

// deliverTo sends the text first, then the parts. A text failure aborts the
// recipient because parts without their header are not useful.
func (d *deliveryDispatcher) deliverTo(ctx context.Context, content *models.ResolvedContent, recipient int64) error {
	if err := d.send(ctx, func(ctx context.Context) error {
		return d.tg.SendMessage(ctx, recipient, content.Text)
	}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDeliveryFailed, "text delivery failed")
	}

	for _, part := range content.Parts {
		p := part
		err := d.send(ctx, func(ctx context.Context) error {
			switch p.Kind {
			case models.ContentKindPhoto:
				return d.tg.SendPhoto(ctx, recipient, p.Data, p.Filename)
			case models.ContentKindVideo:
				return d.tg.SendVideo(ctx, recipient, p.Data, p.Filename)
			default:
				return d.tg.SendDocument(ctx, recipient, p.Data, p.Filename)
			}
		})
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeDeliveryFailed, "attachment delivery failed")
		}
	}

	return nil
}

// send wraps one Bot API call in the circuit breaker and the retry policy.
// An open breaker short-circuits immediately; the failure is still retryable
// on the next message once the cooldown lets a probe through.
func (d *deliveryDispatcher) send(ctx context.Context, op func(ctx context.Context) error) error {
	return d.backoff.RetryWithPredicate(ctx, func() error {
		return d.breaker.Execute(ctx, op)
	}, func(err error) bool {
		if circuitbreaker.IsOpenError(err) {
			return false
		}
		return apperrors.IsRetryable(err)
	})
}
