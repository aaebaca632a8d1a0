package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "maxrelay/internal/errors"
	"maxrelay/internal/models"
	"maxrelay/internal/retry"
	"maxrelay/internal/state"
	"maxrelay/pkg/maxchat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func fastBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})
}

func testCatalog(t *testing.T, chats ...int64) *state.CatalogStore {
	t.Helper()
	catalog, err := state.NewCatalogStore(filepath.Join(t.TempDir(), "catalog.json"), chats)
	require.NoError(t, err)
	return catalog
}

func TestResolve_TextFormatting(t *testing.T) {
	client := newMockMaxClient()
	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops & Alerts"))

	r := NewContentResolver(client, catalog, &fakeContacts{name: "Alice <admin>"}, &mockFetcher{}, fastBackoff(), quietLogger())

	msg := models.InboundMessage{
		ChatID:    5,
		ID:        100,
		SenderID:  9,
		Text:      "deploy <now>",
		Timestamp: time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
	}

	content, err := r.Resolve(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "<b>Ops &amp; Alerts</b>\nAlice &lt;admin&gt;, 20.08.2026 14:30\n\ndeploy &lt;now&gt;", content.Text)
	assert.Empty(t, content.Parts)
}

func TestResolve_HeaderOnlyWhenNoText(t *testing.T) {
	client := newMockMaxClient()
	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops"))

	r := NewContentResolver(client, catalog, &fakeContacts{name: "Alice"}, &mockFetcher{}, fastBackoff(), quietLogger())

	content, err := r.Resolve(context.Background(), models.InboundMessage{
		ChatID: 5, ID: 100, SenderID: 9,
		Timestamp: time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "<b>Ops</b>\nAlice, 20.08.2026 14:30", content.Text)
}

func TestResolve_GroupLabelFetchedAndCached(t *testing.T) {
	client := newMockMaxClient()
	client.On("GetChat", mock.Anything, int64(5)).Return(&maxchat.Chat{ID: 5, Title: "Backend"}, nil).Once()

	catalog := testCatalog(t, 5)
	r := NewContentResolver(client, catalog, &fakeContacts{name: "A"}, &mockFetcher{}, fastBackoff(), quietLogger())

	msg := models.InboundMessage{ChatID: 5, ID: 1, Timestamp: time.Now()}

	content, err := r.Resolve(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, content.Text, "<b>Backend</b>")

	// second resolve hits the catalog, not the platform
	_, err = r.Resolve(context.Background(), msg)
	require.NoError(t, err)
	client.AssertExpectations(t)

	entry, _ := catalog.Get(5)
	assert.Equal(t, "Backend", entry.DisplayName)
}

func TestResolve_PhotoFetched(t *testing.T) {
	client := newMockMaxClient()
	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops"))

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://img/p1").Return([]byte{1, 2, 3}, "p1.jpg", nil)

	r := NewContentResolver(client, catalog, &fakeContacts{name: "A"}, fetcher, fastBackoff(), quietLogger())

	content, err := r.Resolve(context.Background(), models.InboundMessage{
		ChatID: 5, ID: 1, Timestamp: time.Now(),
		Attachments: []models.Attachment{{Kind: models.ContentKindPhoto, URL: "https://img/p1"}},
	})
	require.NoError(t, err)

	require.Len(t, content.Parts, 1)
	assert.Equal(t, models.ContentKindPhoto, content.Parts[0].Kind)
	assert.Equal(t, "p1.jpg", content.Parts[0].Filename)
	assert.Equal(t, []byte{1, 2, 3}, content.Parts[0].Data)
}

func TestResolve_FileURLResolvedFirst(t *testing.T) {
	client := newMockMaxClient()
	client.On("FileURL", mock.Anything, int64(5), int64(1), int64(77)).Return("https://cdn/f77", nil)

	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops"))
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://cdn/f77").Return([]byte("pdf"), "fallback.bin", nil)

	r := NewContentResolver(client, catalog, &fakeContacts{name: "A"}, fetcher, fastBackoff(), quietLogger())

	content, err := r.Resolve(context.Background(), models.InboundMessage{
		ChatID: 5, ID: 1, Timestamp: time.Now(),
		Attachments: []models.Attachment{{Kind: models.ContentKindFile, Name: "doc.pdf", FileID: 77}},
	})
	require.NoError(t, err)

	require.Len(t, content.Parts, 1)
	assert.Equal(t, "doc.pdf", content.Parts[0].Filename, "the platform name wins over the fetched one")
	client.AssertExpectations(t)
}

func TestResolve_FailedPartIsSkipped(t *testing.T) {
	client := newMockMaxClient()
	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops"))

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://img/broken").
		Return(nil, "", apperrors.NewFetchError("https://img/broken", 404, assert.AnError))
	fetcher.On("Fetch", mock.Anything, "https://img/good").Return([]byte("ok"), "good.jpg", nil)

	r := NewContentResolver(client, catalog, &fakeContacts{name: "A"}, fetcher, fastBackoff(), quietLogger())

	content, err := r.Resolve(context.Background(), models.InboundMessage{
		ChatID: 5, ID: 1, Text: "two photos", Timestamp: time.Now(),
		Attachments: []models.Attachment{
			{Kind: models.ContentKindPhoto, URL: "https://img/broken"},
			{Kind: models.ContentKindPhoto, URL: "https://img/good"},
		},
	})
	require.NoError(t, err, "a failed part must not abort the message")

	require.Len(t, content.Parts, 1)
	assert.Equal(t, "good.jpg", content.Parts[0].Filename)
	// 404 is permanent, no retries: one call per attachment
	fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestResolve_TransientFetchRetried(t *testing.T) {
	client := newMockMaxClient()
	catalog := testCatalog(t, 5)
	require.NoError(t, catalog.SetDisplayName(5, "Ops"))

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://img/flaky").
		Return(nil, "", apperrors.NewFetchError("https://img/flaky", 503, assert.AnError)).Once()
	fetcher.On("Fetch", mock.Anything, "https://img/flaky").Return([]byte("ok"), "f.jpg", nil).Once()

	r := NewContentResolver(client, catalog, &fakeContacts{name: "A"}, fetcher, fastBackoff(), quietLogger())

	content, err := r.Resolve(context.Background(), models.InboundMessage{
		ChatID: 5, ID: 1, Timestamp: time.Now(),
		Attachments: []models.Attachment{{Kind: models.ContentKindPhoto, URL: "https://img/flaky"}},
	})
	require.NoError(t, err)
	require.Len(t, content.Parts, 1)
	fetcher.AssertExpectations(t)
}
