package models

import (
	"time"
)

// ContentKind classifies what a relayed message carries.
type ContentKind string

const (
	ContentKindText  ContentKind = "text"
	ContentKindPhoto ContentKind = "photo"
	ContentKindFile  ContentKind = "file"
	ContentKindVideo ContentKind = "video"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Attachment is a binary payload reference carried by an inbound message.
// Photos expose a direct URL; files and videos carry platform IDs that must
// be resolved to a download URL through the MAX client.
type Attachment struct {
	Kind    ContentKind `json:"kind"`
	URL     string      `json:"url,omitempty"`
	Name    string      `json:"name,omitempty"`
	FileID  int64       `json:"fileId,omitempty"`
	VideoID int64       `json:"videoId,omitempty"`
}

// InboundMessage is the normalized shape of a message observed in a MAX
// chat, whether it arrived live or through a history fetch.
type InboundMessage struct {
	ChatID      int64        `json:"chatId"`
	ID          int64        `json:"id"`
	SenderID    int64        `json:"senderId"`
	Text        string       `json:"text,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// BinaryPart is an attachment whose bytes have already been fetched and are
// ready to upload to Telegram.
type BinaryPart struct {
	Kind     ContentKind
	Filename string
	Data     []byte
}

// ResolvedContent is the deliverable form of an InboundMessage: the text is
// formatted for Telegram, binary attachments are fetched into memory.
type ResolvedContent struct {
	ChatID    int64
	MessageID int64
	Text      string
	Parts     []BinaryPart
}

// DeliveryAttempt records the outcome of sending resolved content to one
// recipient. Attempts are not persisted; a crash before the offset write
// re-delivers on restart.
type DeliveryAttempt struct {
	Recipient int64
	Status    DeliveryStatus
	Err       error
}

// CatalogEntry describes one MAX chat eligible for relay. Entries are never
// removed, only deactivated, so offset history stays intact.
type CatalogEntry struct {
	ChatID      int64  `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Active      bool   `json:"active"`
}
