package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "maxrelay/internal/errors"

	"github.com/sirupsen/logrus"
)

// Client is the destination side of the relay: typed wrappers over the
// Telegram Bot API methods the dispatcher and the command bot need.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error
	SendDocument(ctx context.Context, chatID int64, data []byte, filename string) error
	SendVideo(ctx context.Context, chatID int64, data []byte, filename string) error
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)
	DeleteWebhook(ctx context.Context) error
}

type client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient builds a Bot API client. baseURL is normally
// https://api.telegram.org and is overridable for tests.
func NewClient(baseURL, token string, httpClient *http.Client, logger *logrus.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/bot" + token,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	_, err := c.postJSON(ctx, "sendMessage", payload)
	return err
}

func (c *client) SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error {
	return c.postFile(ctx, "sendPhoto", "photo", chatID, data, filename)
}

func (c *client) SendDocument(ctx context.Context, chatID int64, data []byte, filename string) error {
	return c.postFile(ctx, "sendDocument", "document", chatID, data, filename)
}

func (c *client) SendVideo(ctx context.Context, chatID int64, data []byte, filename string) error {
	return c.postFile(ctx, "sendVideo", "video", chatID, data, filename)
}

func (c *client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":  offset,
		"timeout": timeoutSec,
	}
	result, err := c.postJSON(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, nil
}

func (c *client) DeleteWebhook(ctx context.Context) error {
	_, err := c.postJSON(ctx, "deleteWebhook", map[string]interface{}{
		"drop_pending_updates": true,
	})
	return err
}

func (c *client) postJSON(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, method)
}

func (c *client) postFile(ctx context.Context, method, field string, chatID int64, data []byte, filename string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = c.do(req, method)
	return err
}

// do executes the request and maps both transport and Bot API failures to
// classified errors so the dispatcher can tell transient from permanent.
func (c *client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Never completed: timeout or connection failure, worth retrying
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeTelegramAPI,
			fmt.Sprintf("telegram %s request failed", method))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeTelegramAPI,
			fmt.Sprintf("telegram %s response read failed", method))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, apperrors.NewTelegramAPIError(method, resp.StatusCode,
			fmt.Sprintf("unparseable response: %s", string(bodyBytes)))
	}

	if !apiResp.OK {
		appErr := apperrors.NewTelegramAPIError(method, apiResp.ErrorCode, apiResp.Description)
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			appErr = appErr.WithContext("retry_after", apiResp.Parameters.RetryAfter)
		}
		c.logger.WithFields(logrus.Fields{
			"method":      method,
			"error_code":  apiResp.ErrorCode,
			"description": apiResp.Description,
		}).Debug("Telegram API returned an error")
		return nil, appErr
	}

	return apiResp.Result, nil
}
