package service

import (
	"context"
	"fmt"
	"html"
	"strconv"

	apperrors "maxrelay/internal/errors"
	"maxrelay/internal/metrics"
	"maxrelay/internal/models"
	"maxrelay/internal/retry"
	"maxrelay/internal/state"
	"maxrelay/pkg/maxchat"
	"maxrelay/pkg/media"

	"github.com/sirupsen/logrus"
)

// ContentResolver turns an inbound message into deliverable content: a
// Telegram-ready HTML text and the attachment bytes fetched into memory.
type ContentResolver interface {
	Resolve(ctx context.Context, msg models.InboundMessage) (*models.ResolvedContent, error)
}

type contentResolver struct {
	client   maxchat.Client
	catalog  *state.CatalogStore
	contacts ContactServiceInterface
	fetcher  media.Fetcher
	backoff  *retry.Backoff
	logger   *logrus.Logger
}

func NewContentResolver(
	client maxchat.Client,
	catalog *state.CatalogStore,
	contacts ContactServiceInterface,
	fetcher media.Fetcher,
	backoff *retry.Backoff,
	logger *logrus.Logger,
) ContentResolver {
	return &contentResolver{
		client:   client,
		catalog:  catalog,
		contacts: contacts,
		fetcher:  fetcher,
		backoff:  backoff,
		logger:   logger,
	}
}

// Resolve formats the message header and downloads every attachment it can.
// An attachment that cannot be resolved or fetched is skipped with a warning;
// the message is still deliverable with whatever parts survived. Only context
// cancellation aborts resolution.
func (r *contentResolver) Resolve(ctx context.Context, msg models.InboundMessage) (*models.ResolvedContent, error) {
	content := &models.ResolvedContent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Text:      r.formatText(ctx, msg),
	}

	for _, att := range msg.Attachments {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		part, err := r.resolvePart(ctx, msg, att)
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"chat_id":    msg.ChatID,
				"message_id": msg.ID,
				"kind":       att.Kind,
			}).Warn("Skipping attachment that could not be resolved")
			metrics.IncrementCounter("resolver_attachment_failures_total",
				map[string]string{"kind": string(att.Kind)},
				"Attachments skipped because resolution or download failed")
			continue
		}
		content.Parts = append(content.Parts, *part)
	}

	return content, nil
}

// resolvePart turns one attachment reference into fetched bytes. Files and
// videos need a platform call to produce a download URL first.
func (r *contentResolver) resolvePart(ctx context.Context, msg models.InboundMessage, att models.Attachment) (*models.BinaryPart, error) {
	url := att.URL
	var err error

	switch att.Kind {
	case models.ContentKindFile:
		url, err = r.client.FileURL(ctx, msg.ChatID, msg.ID, att.FileID)
	case models.ContentKindVideo:
		url, err = r.client.VideoURL(ctx, msg.ChatID, msg.ID, att.VideoID)
	}
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("no download URL for %s attachment", att.Kind)
	}

	var data []byte
	var fetchedName string
	err = r.backoff.RetryWithPredicate(ctx, func() error {
		var fetchErr error
		data, fetchedName, fetchErr = r.fetcher.Fetch(ctx, url)
		return fetchErr
	}, apperrors.IsRetryable)
	if err != nil {
		return nil, err
	}

	filename := att.Name
	if filename == "" {
		filename = fetchedName
	}
	return &models.BinaryPart{Kind: att.Kind, Filename: filename, Data: data}, nil
}

// formatText builds the relayed message body: group title, sender and time
// in an HTML header, then the escaped original text.
func (r *contentResolver) formatText(ctx context.Context, msg models.InboundMessage) string {
	group := r.groupLabel(ctx, msg.ChatID)
	sender := r.contacts.GetDisplayName(ctx, msg.SenderID)
	when := msg.Timestamp.Format("02.01.2006 15:04")

	header := fmt.Sprintf("<b>%s</b>\n%s, %s", html.EscapeString(group), html.EscapeString(sender), when)
	if msg.Text == "" {
		return header
	}
	return header + "\n\n" + html.EscapeString(msg.Text)
}

// groupLabel prefers the catalog's display name and backfills it from the
// platform when the catalog only knows the chat ID.
func (r *contentResolver) groupLabel(ctx context.Context, chatID int64) string {
	if entry, ok := r.catalog.Get(chatID); ok && entry.DisplayName != "" {
		return entry.DisplayName
	}

	chat, err := r.client.GetChat(ctx, chatID)
	if err != nil || chat == nil || chat.Title == "" {
		return strconv.FormatInt(chatID, 10)
	}
	if err := r.catalog.SetDisplayName(chatID, chat.Title); err != nil {
		r.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to persist chat title")
	}
	return chat.Title
}
