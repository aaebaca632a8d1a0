package models

// Config holds the application configuration
type Config struct {
	Max      MaxConfig      `json:"max"`
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Retry    RetryConfig    `json:"retry"`
	Database DatabaseConfig `json:"database"`
	State    StateConfig    `json:"state"`
	Server   ServerConfig   `json:"server"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// MaxConfig holds MAX platform related configuration. Phone and token are
// normally supplied through the environment, not the config file.
type MaxConfig struct {
	Phone              string `json:"phone"`
	Token              string `json:"token"`
	WSURL              string `json:"ws_url"`
	AppVersion         string `json:"app_version"`
	ConnectTimeoutSec  int    `json:"connectTimeoutSec"`
	RequestTimeoutSec  int    `json:"requestTimeoutSec"`
	MaxDialFailures    int    `json:"maxDialFailures"`
	DialCooldownSec    int    `json:"dialCooldownSec"`
}

// TelegramConfig holds Telegram Bot API related configuration.
type TelegramConfig struct {
	Token          string `json:"token"`
	APIBaseURL     string `json:"api_base_url"`
	AdminChatID    int64  `json:"adminChatId"`
	TimeoutSec     int    `json:"timeoutSec"`
	PollTimeoutSec int    `json:"pollTimeoutSec"`
}

// RelayConfig controls the relay pipelines.
type RelayConfig struct {
	StartupHistory    int     `json:"startupHistory"`
	CatalogRefreshSec int     `json:"catalogRefreshSec"`
	FetchTimeoutSec   int     `json:"fetchTimeoutSec"`
	MaxFetchSizeMB    int     `json:"maxFetchSizeMB"`
	InitialChats      []int64 `json:"initialChats"`
}

// RetryConfig holds retry related configuration.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// DatabaseConfig holds the contact cache database configuration.
type DatabaseConfig struct {
	Path              string `json:"path"`
	ContactCacheHours int    `json:"contactCacheHours"`
	RetentionDays     int    `json:"retentionDays"`
}

// StateConfig locates the durable relay state files.
type StateConfig struct {
	OffsetsPath     string `json:"offsetsPath"`
	CatalogPath     string `json:"catalogPath"`
	SubscribersPath string `json:"subscribersPath"`
}

// ServerConfig holds the HTTP status server configuration.
type ServerConfig struct {
	Port string `json:"port"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
