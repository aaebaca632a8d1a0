package constants

// Relay defaults
const (
	DefaultStartupHistory    = 3
	DefaultCatalogRefreshSec = 30
	DefaultFetchTimeoutSec   = 30
	DefaultMaxFetchSizeMB    = 50
)

// Telegram API defaults
const (
	DefaultTelegramAPIBaseURL    = "https://api.telegram.org"
	DefaultTelegramTimeoutSec    = 15
	DefaultUpdatesPollTimeoutSec = 30
)

// MAX platform defaults
const (
	DefaultMaxWSURL              = "wss://ws-api.oneme.ru/websocket"
	DefaultMaxAppVersion         = "25.12.13"
	DefaultMaxConnectTimeoutSec  = 20
	DefaultMaxRequestTimeoutSec  = 30
	DefaultMaxReconnectFailures  = 10
	DefaultMaxReconnectCooldownS = 60
)

// Retry defaults
const (
	DefaultInitialBackoffMs = 500
	DefaultMaxBackoffMs     = 30000
	DefaultRetryMaxAttempts = 4
)

// Contact cache defaults
const (
	DefaultContactCacheHours     = 24
	ContactCleanupIntervalHours  = 24
	DefaultContactRetentionDays  = 30
	DefaultDatabaseRetryAttempts = 3
)

// HTTP server defaults
const (
	DefaultServerPort        = "8084"
	ServerReadTimeoutSec     = 15
	ServerWriteTimeoutSec    = 15
	ServerIdleTimeoutSec     = 60
	ServerShutdownTimeoutSec = 10
)
