package service

import (
	"context"
	"sync"
	"time"

	"maxrelay/internal/models"
	"maxrelay/pkg/maxchat"

	"github.com/sirupsen/logrus"
)

// SourceListener demultiplexes the single MAX message stream into per-chat
// channels so each relay pipeline consumes its own chat in order without
// blocking the others. It also exposes history fetches in the normalized
// message shape.
type SourceListener interface {
	Run(ctx context.Context) error
	Subscribe(chatID int64) <-chan models.InboundMessage
	Unsubscribe(chatID int64)
	History(ctx context.Context, chatID int64, count int) ([]models.InboundMessage, error)
	Err() error
}

// subscription pairs a chat's live channel with a cancellation signal. Run
// is the only goroutine that ever closes ch; Unsubscribe closes dead instead,
// so a sender blocked on a full buffer unblocks without racing a close.
type subscription struct {
	ch   chan models.InboundMessage
	dead chan struct{}
}

type sourceListener struct {
	client maxchat.Client
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[int64]*subscription
	done bool
}

// NewSourceListener wraps a connected MAX client. Run must be started before
// any subscribed channel receives messages.
func NewSourceListener(client maxchat.Client, logger *logrus.Logger) SourceListener {
	return &sourceListener{
		client: client,
		logger: logger,
		subs:   make(map[int64]*subscription),
	}
}

// Run consumes the live stream until the client's Messages channel closes or
// the context is cancelled. Closing the stream closes every per-chat channel
// so pipelines observe the loss and stop.
func (l *sourceListener) Run(ctx context.Context) error {
	defer l.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wire, ok := <-l.client.Messages():
			if !ok {
				if err := l.client.Err(); err != nil {
					l.logger.WithError(err).Error("MAX message stream terminated")
					return err
				}
				return nil
			}

			msg := fromWire(wire)

			l.mu.Lock()
			sub, subscribed := l.subs[msg.ChatID]
			l.mu.Unlock()
			if !subscribed {
				// chats nobody relays are simply dropped
				continue
			}

			select {
			case sub.ch <- msg:
			case <-sub.dead:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Subscribe returns the live channel for one chat. Messages arriving before
// the subscription are not replayed; use History for that.
func (l *sourceListener) Subscribe(chatID int64) <-chan models.InboundMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sub, ok := l.subs[chatID]; ok {
		return sub.ch
	}
	ch := make(chan models.InboundMessage, 32)
	if l.done {
		close(ch)
		return ch
	}
	l.subs[chatID] = &subscription{ch: ch, dead: make(chan struct{})}
	return ch
}

// Unsubscribe detaches a chat. The live channel is left open; closing it here
// would race the sends in Run.
func (l *sourceListener) Unsubscribe(chatID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sub, ok := l.subs[chatID]; ok {
		delete(l.subs, chatID)
		close(sub.dead)
	}
}

// History fetches the most recent count messages of a chat, oldest first.
func (l *sourceListener) History(ctx context.Context, chatID int64, count int) ([]models.InboundMessage, error) {
	wire, err := l.client.FetchHistory(ctx, chatID, count)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.InboundMessage, 0, len(wire))
	for _, m := range wire {
		msgs = append(msgs, fromWire(m))
	}
	return msgs, nil
}

func (l *sourceListener) Err() error {
	return l.client.Err()
}

func (l *sourceListener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.done = true
	for chatID, sub := range l.subs {
		delete(l.subs, chatID)
		close(sub.ch)
	}
}

// fromWire normalizes a platform message. Attachment kinds the relay cannot
// deliver (stickers, contacts) are dropped here.
func fromWire(m maxchat.Message) models.InboundMessage {
	msg := models.InboundMessage{
		ChatID:    m.ChatID,
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Timestamp: time.UnixMilli(m.Time),
	}

	for _, a := range m.Attaches {
		switch a.Type {
		case maxchat.AttachTypePhoto:
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Kind: models.ContentKindPhoto,
				URL:  a.BaseURL,
			})
		case maxchat.AttachTypeFile:
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Kind:   models.ContentKindFile,
				Name:   a.Name,
				FileID: a.FileID,
			})
		case maxchat.AttachTypeVideo:
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Kind:    models.ContentKindVideo,
				Name:    a.Name,
				VideoID: a.VideoID,
			})
		}
	}
	return msg
}
