package maxchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "maxrelay/internal/errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Client is the source side of the relay: a persistent websocket session
// with the MAX platform. Live messages for every chat the account can see
// arrive on Messages(); request/response calls share the same connection.
//
// Connection loss is handled internally with backoff reconnects. A live
// stream is not resumable: messages that arrived strictly during an outage
// are not recovered. When reconnecting fails more than the configured bound
// the Messages channel is closed and Err reports the terminal condition.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Messages() <-chan Message
	Err() error
	FetchHistory(ctx context.Context, chatID int64, count int) ([]Message, error)
	GetUser(ctx context.Context, userID int64) (*User, error)
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	FileURL(ctx context.Context, chatID, messageID, fileID int64) (string, error)
	VideoURL(ctx context.Context, chatID, messageID, videoID int64) (string, error)
}

// Config carries the connection parameters for the MAX session.
type Config struct {
	WSURL           string
	Phone           string
	Token           string
	AppVersion      string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxDialFailures int
	DialCooldown    time.Duration
}

type client struct {
	cfg    Config
	logger *logrus.Logger

	seq atomic.Int64

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan frame

	messages  chan Message
	closeOnce sync.Once

	errMu       sync.Mutex
	terminalErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a MAX client. Connect must be called before any other
// method.
func NewClient(cfg Config, logger *logrus.Logger) Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &client{
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[int64]chan frame),
		messages: make(chan Message, 64),
	}
}

// Connect dials, authenticates and starts the session loop. The first dial
// is synchronous so a bad token or URL fails startup instead of spinning in
// the reconnect loop.
func (c *client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.sessionLoop(runCtx, conn)

	c.logger.WithField("url", c.cfg.WSURL).Info("MAX session established")
	return nil
}

// Close stops the session loop and closes the connection.
func (c *client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.closeMessages()
	return nil
}

func (c *client) Messages() <-chan Message {
	return c.messages
}

// Err returns the terminal error that closed the Messages channel, if any.
func (c *client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.terminalErr
}

// sessionLoop reads frames until the connection drops, then reconnects with
// backoff. Gives up after MaxDialFailures consecutive failures.
func (c *client) sessionLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		c.failPending()

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}

		c.logger.WithError(readErr).Warn("MAX connection lost, reconnecting")

		var err error
		conn, err = c.redial(ctx)
		if err != nil {
			c.errMu.Lock()
			c.terminalErr = apperrors.NewConnectionLostError(err)
			c.errMu.Unlock()
			c.closeMessages()
			return
		}
		if conn == nil {
			// context cancelled while waiting to redial
			return
		}
		c.setConn(conn)
		c.logger.Info("MAX session re-established")
	}
}

// redial attempts to reconnect with exponential backoff, up to the
// configured failure bound. Returns (nil, nil) on context cancellation.
func (c *client) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := time.Second
	for failures := 0; failures < c.cfg.MaxDialFailures; failures++ {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.WithError(err).WithField("failures", failures+1).Warn("MAX redial failed")

		backoff *= 2
		if backoff > c.cfg.DialCooldown {
			backoff = c.cfg.DialCooldown
		}
	}
	return nil, fmt.Errorf("gave up after %d consecutive dial failures", c.cfg.MaxDialFailures)
}

// dial opens the websocket and performs the handshake and auth exchange
// before the read loop takes over the connection.
func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.WSURL, nil)
	if err != nil {
		return nil, apperrors.NewMaxAPIError("dial", err, true)
	}
	conn.SetReadLimit(1 << 22)

	if err := c.exchange(dialCtx, conn, opHandshake, handshakePayload{
		DeviceType: "WEB",
		AppVersion: c.cfg.AppVersion,
	}, nil); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, apperrors.NewMaxAPIError("handshake", err, true)
	}

	var auth authResponse
	if err := c.exchange(dialCtx, conn, opAuth, authPayload{
		Phone: c.cfg.Phone,
		Token: c.cfg.Token,
	}, &auth); err != nil {
		conn.Close(websocket.StatusProtocolError, "auth failed")
		return nil, apperrors.NewMaxAPIError("auth", err, true)
	}
	if auth.Error != "" {
		conn.Close(websocket.StatusPolicyViolation, "auth rejected")
		return nil, apperrors.NewMaxAPIError("auth", fmt.Errorf("platform rejected credentials: %s", auth.Error), false)
	}

	return conn, nil
}

// exchange performs a synchronous request/response on a connection that has
// no read loop yet. Only used during dial.
func (c *client) exchange(ctx context.Context, conn *websocket.Conn, opcode int, payload, out interface{}) error {
	seq := c.seq.Add(1)
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req := frame{Ver: protocolVersion, Cmd: cmdRequest, Seq: seq, Opcode: opcode, Payload: raw}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return err
	}

	for {
		var resp frame
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return err
		}
		if resp.Seq != seq {
			// pre-auth pushes are not expected; drop anything unmatched
			continue
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Payload, out)
	}
}

// readLoop dispatches responses to their waiting callers and pushes new
// messages to the Messages channel. Returns on read error or cancellation.
func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var fr frame
		if err := wsjson.Read(ctx, conn, &fr); err != nil {
			return err
		}

		switch {
		case fr.Cmd == cmdResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[fr.Seq]
			if ok {
				delete(c.pending, fr.Seq)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- fr
			}
		case fr.Cmd == cmdPush && fr.Opcode == opNewMessage:
			var push messagePush
			if err := json.Unmarshal(fr.Payload, &push); err != nil {
				c.logger.WithError(err).Warn("Dropping malformed message push")
				continue
			}
			select {
			case c.messages <- push.Message:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			// other push kinds (presence, read markers) are not relayed
		}
	}
}

// call performs one request/response round trip over the live connection.
func (c *client) call(ctx context.Context, opcode int, payload, out interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return apperrors.NewMaxAPIError("call", fmt.Errorf("not connected"), true)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewMaxAPIError("call", err, false)
	}

	seq := c.seq.Add(1)
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req := frame{Ver: protocolVersion, Cmd: cmdRequest, Seq: seq, Opcode: opcode, Payload: raw}
	c.writeMu.Lock()
	err = wsjson.Write(callCtx, conn, req)
	c.writeMu.Unlock()
	if err != nil {
		return apperrors.NewMaxAPIError("write", err, true)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return apperrors.NewMaxAPIError("call", fmt.Errorf("connection lost mid-request"), true)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return apperrors.NewMaxAPIError("decode", err, false)
		}
		return nil
	case <-callCtx.Done():
		return apperrors.NewMaxAPIError("call", callCtx.Err(), true)
	}
}

// FetchHistory returns the most recent count messages of a chat, oldest
// first, regardless of the order the platform sends them in.
func (c *client) FetchHistory(ctx context.Context, chatID int64, count int) ([]Message, error) {
	var resp historyResponse
	if err := c.call(ctx, opFetchHistory, historyRequest{ChatID: chatID, Backward: count}, &resp); err != nil {
		return nil, err
	}

	msgs := resp.Messages
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (c *client) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	if err := c.call(ctx, opGetUser, getUserRequest{UserID: userID}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := c.call(ctx, opGetChat, getChatRequest{ChatID: chatID}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *client) FileURL(ctx context.Context, chatID, messageID, fileID int64) (string, error) {
	var resp mediaURLResponse
	if err := c.call(ctx, opFileDownload, mediaURLRequest{ChatID: chatID, MessageID: messageID, FileID: fileID}, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *client) VideoURL(ctx context.Context, chatID, messageID, videoID int64) (string, error) {
	var resp mediaURLResponse
	if err := c.call(ctx, opVideoPlay, mediaURLRequest{ChatID: chatID, MessageID: messageID, VideoID: videoID}, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// failPending unblocks callers whose responses died with the connection.
func (c *client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *client) closeMessages() {
	c.closeOnce.Do(func() { close(c.messages) })
}
