package maxchat

import "encoding/json"

// Protocol opcodes. The MAX web client multiplexes everything over one
// websocket; requests carry a sequence number, responses echo it back, and
// server pushes arrive with seq 0.
const (
	opHandshake    = 6
	opAuth         = 19
	opGetChat      = 48
	opFetchHistory = 49
	opGetUser      = 32
	opFileDownload = 88
	opVideoPlay    = 89
	opNewMessage   = 128
)

type frame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int64           `json:"seq"`
	Opcode  int             `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	cmdRequest  = 0
	cmdResponse = 1
	cmdPush     = 2

	protocolVersion = 11
)

// Attach types as the wire reports them.
const (
	AttachTypePhoto = "PHOTO"
	AttachTypeVideo = "VIDEO"
	AttachTypeFile  = "FILE"
)

// Attach is one attachment reference on a message. Photos carry a direct
// base URL; videos and files need a second call to resolve a download URL.
type Attach struct {
	Type    string `json:"_type"`
	BaseURL string `json:"baseUrl,omitempty"`
	Name    string `json:"name,omitempty"`
	FileID  int64  `json:"fileId,omitempty"`
	VideoID int64  `json:"videoId,omitempty"`
}

// Message is a chat message as the platform delivers it, live or from
// history. Time is milliseconds since the epoch.
type Message struct {
	ID       int64    `json:"id"`
	ChatID   int64    `json:"chatId"`
	SenderID int64    `json:"sender"`
	Text     string   `json:"text,omitempty"`
	Time     int64    `json:"time"`
	Attaches []Attach `json:"attaches,omitempty"`
}

// User is a platform user profile.
type User struct {
	ID    int64    `json:"id"`
	Names []string `json:"names,omitempty"`
}

// Chat is a platform conversation.
type Chat struct {
	ID    int64  `json:"id"`
	Title string `json:"title,omitempty"`
}

type handshakePayload struct {
	DeviceType string `json:"deviceType"`
	AppVersion string `json:"appVersion"`
}

type authPayload struct {
	Phone string `json:"phone"`
	Token string `json:"token"`
}

type authResponse struct {
	UserID int64  `json:"userId"`
	Error  string `json:"error,omitempty"`
}

type historyRequest struct {
	ChatID   int64 `json:"chatId"`
	Backward int   `json:"backward"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

type getUserRequest struct {
	UserID int64 `json:"userId"`
}

type getChatRequest struct {
	ChatID int64 `json:"chatId"`
}

type mediaURLRequest struct {
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
	FileID    int64 `json:"fileId,omitempty"`
	VideoID   int64 `json:"videoId,omitempty"`
}

type mediaURLResponse struct {
	URL string `json:"url"`
}

type messagePush struct {
	Message Message `json:"message"`
}
