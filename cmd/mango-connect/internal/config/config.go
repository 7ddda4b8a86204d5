package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/robotter-hq/mango-connect/dataapi"
)

const DefaultFeedURL = "wss://api.mngo.cloud/fills/v1/"

type AppConfig struct {
	FeedURL    string
	DataAPIURL string

	Account string
	Markets []string

	StoragePath string

	ReconnectInterval    time.Duration
	ReconnectMaxAttempts int

	PollInterval time.Duration
	PollLimit    int

	LogLevel      string
	LogFormatJSON bool
}

func DefaultConfig() AppConfig {
	return AppConfig{
		FeedURL:              DefaultFeedURL,
		DataAPIURL:           dataapi.DefaultBaseURL,
		StoragePath:          "orders.sqlite3",
		ReconnectInterval:    500 * time.Millisecond,
		ReconnectMaxAttempts: 10,
		PollInterval:         30 * time.Second,
		PollLimit:            100,
		LogLevel:             "info",
		LogFormatJSON:        false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("mango-connect", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.FeedURL, "feed-url", cfg.FeedURL, "fills websocket URL (env: MANGO_FEED_URL)")
	fs.StringVar(&cfg.DataAPIURL, "data-api-url", cfg.DataAPIURL, "historical data API base URL (env: MANGO_DATA_API_URL)")

	fs.StringVar(&cfg.Account, "account", cfg.Account, "mango account address to track (env: MANGO_ACCOUNT)")
	fs.StringSliceVar(&cfg.Markets, "markets", cfg.Markets, "perp market addresses to subscribe to (env: MANGO_MARKETS, comma separated)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "sqlite snapshot path (env: MANGO_STORAGE_PATH)")

	fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "delay between stream reconnect attempts (env: MANGO_RECONNECT_INTERVAL)")
	fs.IntVar(&cfg.ReconnectMaxAttempts, "reconnect-max-attempts", cfg.ReconnectMaxAttempts, "reconnect attempts before giving up, -1 for unlimited (env: MANGO_RECONNECT_MAX_ATTEMPTS)")

	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "interval between trade-history polls (env: MANGO_POLL_INTERVAL)")
	fs.IntVar(&cfg.PollLimit, "poll-limit", cfg.PollLimit, "trade-history page size per poll (env: MANGO_POLL_LIMIT)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: MANGO_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: MANGO_LOG_JSON)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}
	setStrings := func(name, envKey string, target *[]string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			parts := strings.Split(v, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*target = out
		}
	}

	setString("feed-url", "MANGO_FEED_URL", &cfg.FeedURL)
	setString("data-api-url", "MANGO_DATA_API_URL", &cfg.DataAPIURL)
	setString("account", "MANGO_ACCOUNT", &cfg.Account)
	setStrings("markets", "MANGO_MARKETS", &cfg.Markets)
	setString("storage-path", "MANGO_STORAGE_PATH", &cfg.StoragePath)
	setDuration("reconnect-interval", "MANGO_RECONNECT_INTERVAL", &cfg.ReconnectInterval)
	setInt("reconnect-max-attempts", "MANGO_RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts)
	setDuration("poll-interval", "MANGO_POLL_INTERVAL", &cfg.PollInterval)
	setInt("poll-limit", "MANGO_POLL_LIMIT", &cfg.PollLimit)
	setString("log-level", "MANGO_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "MANGO_LOG_JSON", &cfg.LogFormatJSON)

	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if strings.TrimSpace(cfg.Account) == "" {
		missing = append(missing, "account")
	}
	if len(cfg.Markets) == 0 {
		missing = append(missing, "markets")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.ReconnectMaxAttempts < -1 || cfg.ReconnectMaxAttempts == 0 {
		return fmt.Errorf("reconnect-max-attempts must be positive or -1, got %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.PollLimit <= 0 {
		return fmt.Errorf("poll-limit must be positive, got %d", cfg.PollLimit)
	}
	return nil
}
