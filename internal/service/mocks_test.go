package service

import (
	"context"
	"sync"

	"maxrelay/internal/models"
	"maxrelay/pkg/maxchat"
	"maxrelay/pkg/telegram"

	"github.com/stretchr/testify/mock"
)

type mockMaxClient struct {
	mock.Mock
	messages chan maxchat.Message
	err      error
}

func newMockMaxClient() *mockMaxClient {
	return &mockMaxClient{messages: make(chan maxchat.Message, 16)}
}

func (m *mockMaxClient) Connect(ctx context.Context) error { return nil }
func (m *mockMaxClient) Close() error                      { return nil }

func (m *mockMaxClient) Messages() <-chan maxchat.Message { return m.messages }
func (m *mockMaxClient) Err() error                       { return m.err }

func (m *mockMaxClient) FetchHistory(ctx context.Context, chatID int64, count int) ([]maxchat.Message, error) {
	args := m.Called(ctx, chatID, count)
	if msgs, ok := args.Get(0).([]maxchat.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMaxClient) GetUser(ctx context.Context, userID int64) (*maxchat.User, error) {
	args := m.Called(ctx, userID)
	if user, ok := args.Get(0).(*maxchat.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMaxClient) GetChat(ctx context.Context, chatID int64) (*maxchat.Chat, error) {
	args := m.Called(ctx, chatID)
	if chat, ok := args.Get(0).(*maxchat.Chat); ok {
		return chat, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMaxClient) FileURL(ctx context.Context, chatID, messageID, fileID int64) (string, error) {
	args := m.Called(ctx, chatID, messageID, fileID)
	return args.String(0), args.Error(1)
}

func (m *mockMaxClient) VideoURL(ctx context.Context, chatID, messageID, videoID int64) (string, error) {
	args := m.Called(ctx, chatID, messageID, videoID)
	return args.String(0), args.Error(1)
}

type mockTelegramClient struct {
	mock.Mock
}

func (m *mockTelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	args := m.Called(ctx, chatID, text)
	return args.Error(0)
}

func (m *mockTelegramClient) SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error {
	args := m.Called(ctx, chatID, data, filename)
	return args.Error(0)
}

func (m *mockTelegramClient) SendDocument(ctx context.Context, chatID int64, data []byte, filename string) error {
	args := m.Called(ctx, chatID, data, filename)
	return args.Error(0)
}

func (m *mockTelegramClient) SendVideo(ctx context.Context, chatID int64, data []byte, filename string) error {
	args := m.Called(ctx, chatID, data, filename)
	return args.Error(0)
}

func (m *mockTelegramClient) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]telegram.Update, error) {
	args := m.Called(ctx, offset, timeoutSec)
	if updates, ok := args.Get(0).([]telegram.Update); ok {
		return updates, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTelegramClient) DeleteWebhook(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, fileURL string) ([]byte, string, error) {
	args := m.Called(ctx, fileURL)
	if data, ok := args.Get(0).([]byte); ok {
		return data, args.String(1), args.Error(2)
	}
	return nil, args.String(1), args.Error(2)
}

// fakeContactDB is an in-memory stand-in for the SQLite contact cache.
type fakeContactDB struct {
	mu       sync.Mutex
	contacts map[int64]*models.Contact
	getErr   error
	saveErr  error
}

func newFakeContactDB() *fakeContactDB {
	return &fakeContactDB{contacts: make(map[int64]*models.Contact)}
}

func (f *fakeContactDB) SaveContact(ctx context.Context, contact *models.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	copied := *contact
	f.contacts[contact.UserID] = &copied
	return nil
}

func (f *fakeContactDB) GetContact(ctx context.Context, userID int64) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.contacts[userID]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (f *fakeContactDB) CleanupOldContacts(retentionDays int) error { return nil }

// fakeListener feeds pipelines directly, bypassing a real MAX connection.
type fakeListener struct {
	mu      sync.Mutex
	chans   map[int64]chan models.InboundMessage
	history map[int64][]models.InboundMessage

	historyErr   error
	historyCalls int
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		chans:   make(map[int64]chan models.InboundMessage),
		history: make(map[int64][]models.InboundMessage),
	}
}

func (f *fakeListener) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (f *fakeListener) Subscribe(chatID int64) <-chan models.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.chans[chatID]; ok {
		return ch
	}
	ch := make(chan models.InboundMessage, 32)
	f.chans[chatID] = ch
	return ch
}

func (f *fakeListener) Unsubscribe(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.chans[chatID]; ok {
		delete(f.chans, chatID)
		close(ch)
	}
}

func (f *fakeListener) History(ctx context.Context, chatID int64, count int) ([]models.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[chatID], nil
}

func (f *fakeListener) Err() error { return nil }

func (f *fakeListener) push(chatID int64, msg models.InboundMessage) {
	f.mu.Lock()
	ch, ok := f.chans[chatID]
	f.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// fakeResolver passes the message text through untouched.
type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, msg models.InboundMessage) (*models.ResolvedContent, error) {
	return &models.ResolvedContent{ChatID: msg.ChatID, MessageID: msg.ID, Text: msg.Text}, nil
}

type dispatched struct {
	content    models.ResolvedContent
	recipients []int64
}

// fakeDispatcher records deliveries and reports every recipient as sent.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, content *models.ResolvedContent, recipients []int64) []models.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatched{content: *content, recipients: append([]int64(nil), recipients...)})

	attempts := make([]models.DeliveryAttempt, 0, len(recipients))
	for _, r := range recipients {
		attempts = append(attempts, models.DeliveryAttempt{Recipient: r, Status: models.DeliveryStatusSent})
	}
	return attempts
}

func (f *fakeDispatcher) dispatchedFor(chatID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, c := range f.calls {
		if c.content.ChatID == chatID {
			ids = append(ids, c.content.MessageID)
		}
	}
	return ids
}

func (f *fakeDispatcher) dispatchedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.calls))
	for _, c := range f.calls {
		ids = append(ids, c.content.MessageID)
	}
	return ids
}

// fakeContacts resolves every user to one fixed name.
type fakeContacts struct {
	name string
}

func (f *fakeContacts) GetDisplayName(ctx context.Context, userID int64) string { return f.name }
func (f *fakeContacts) RefreshContact(ctx context.Context, userID int64) error  { return nil }
func (f *fakeContacts) CleanupOldContacts(retentionDays int) error              { return nil }

// fakeSubscribers is a static chat-to-recipients mapping.
type fakeSubscribers struct {
	byChat map[int64][]int64
}

func (f *fakeSubscribers) SubscribersFor(chatID int64) []int64 { return f.byChat[chatID] }
