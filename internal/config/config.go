package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"maxrelay/internal/constants"
	"maxrelay/internal/models"
	"maxrelay/internal/security"
)

var (
	ErrMissingMaxToken      = models.ConfigError{Message: "missing MAX auth token (set MAX_TOKEN)"}
	ErrMissingMaxPhone      = models.ConfigError{Message: "missing MAX phone number (set MAX_PHONE)"}
	ErrMissingTelegramToken = models.ConfigError{Message: "missing Telegram bot token (set TG_TOKEN)"}
	ErrMissingOffsetsPath   = models.ConfigError{Message: "missing offsets state path"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Max.WSURL == "" {
		c.Max.WSURL = constants.DefaultMaxWSURL
	}
	if c.Max.AppVersion == "" {
		c.Max.AppVersion = constants.DefaultMaxAppVersion
	}
	if c.Max.ConnectTimeoutSec <= 0 {
		c.Max.ConnectTimeoutSec = constants.DefaultMaxConnectTimeoutSec
	}
	if c.Max.RequestTimeoutSec <= 0 {
		c.Max.RequestTimeoutSec = constants.DefaultMaxRequestTimeoutSec
	}
	if c.Max.MaxDialFailures <= 0 {
		c.Max.MaxDialFailures = constants.DefaultMaxReconnectFailures
	}
	if c.Max.DialCooldownSec <= 0 {
		c.Max.DialCooldownSec = constants.DefaultMaxReconnectCooldownS
	}

	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = constants.DefaultTelegramAPIBaseURL
	}
	if c.Telegram.TimeoutSec <= 0 {
		c.Telegram.TimeoutSec = constants.DefaultTelegramTimeoutSec
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = constants.DefaultUpdatesPollTimeoutSec
	}

	if c.Relay.StartupHistory <= 0 {
		c.Relay.StartupHistory = constants.DefaultStartupHistory
	}
	if c.Relay.CatalogRefreshSec <= 0 {
		c.Relay.CatalogRefreshSec = constants.DefaultCatalogRefreshSec
	}
	if c.Relay.FetchTimeoutSec <= 0 {
		c.Relay.FetchTimeoutSec = constants.DefaultFetchTimeoutSec
	}
	if c.Relay.MaxFetchSizeMB <= 0 {
		c.Relay.MaxFetchSizeMB = constants.DefaultMaxFetchSizeMB
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultInitialBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultRetryMaxAttempts
	}

	if c.Database.ContactCacheHours <= 0 {
		c.Database.ContactCacheHours = constants.DefaultContactCacheHours
	}
	if c.Database.RetentionDays <= 0 {
		c.Database.RetentionDays = constants.DefaultContactRetentionDays
	}

	if c.State.OffsetsPath == "" {
		c.State.OffsetsPath = "data/offsets.json"
	}
	if c.State.CatalogPath == "" {
		c.State.CatalogPath = "data/catalog.json"
	}
	if c.State.SubscribersPath == "" {
		c.State.SubscribersPath = "data/subscribers.json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/contacts.db"
	}

	if c.Server.Port == "" {
		c.Server.Port = constants.DefaultServerPort
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	// Secrets come from the environment, never from the config file.
	if token := os.Getenv("MAX_TOKEN"); token != "" {
		c.Max.Token = token
	}
	if phone := os.Getenv("MAX_PHONE"); phone != "" {
		c.Max.Phone = phone
	}
	if token := os.Getenv("TG_TOKEN"); token != "" {
		c.Telegram.Token = token
	}

	if url := os.Getenv("MAX_WS_URL"); url != "" {
		c.Max.WSURL = url
	}
	if admin := os.Getenv("ADMIN_CHAT_ID"); admin != "" {
		if id, err := strconv.ParseInt(admin, 10, 64); err == nil {
			c.Telegram.AdminChatID = id
		}
	}
	if history := os.Getenv("STARTUP_HISTORY"); history != "" {
		if n, err := strconv.Atoi(history); err == nil && n > 0 {
			c.Relay.StartupHistory = n
		}
	}
	if path := os.Getenv("OFFSETS_PATH"); path != "" {
		c.State.OffsetsPath = path
	}
	if path := os.Getenv("CATALOG_PATH"); path != "" {
		c.State.CatalogPath = path
	}
	if path := os.Getenv("SUBSCRIBERS_PATH"); path != "" {
		c.State.SubscribersPath = path
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

func validate(c *models.Config) error {
	if c.Max.Token == "" {
		return ErrMissingMaxToken
	}
	if c.Max.Phone == "" {
		return ErrMissingMaxPhone
	}
	if c.Telegram.Token == "" {
		return ErrMissingTelegramToken
	}
	if c.State.OffsetsPath == "" {
		return ErrMissingOffsetsPath
	}

	seen := make(map[int64]bool)
	for _, chatID := range c.Relay.InitialChats {
		if seen[chatID] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate chat id %d in relay.initialChats", chatID)}
		}
		seen[chatID] = true
	}

	return nil
}
