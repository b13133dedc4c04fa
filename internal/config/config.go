// Package config loads relay configuration from environment variables and
// flags. Flags win over environment; environment wins over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "COUCHPAD_LISTEN_ADDR"
	envVarPublicBaseURL   = "COUCHPAD_PUBLIC_BASE_URL"
	envVarMode            = "COUCHPAD_MODE"
	envVarLogFormat       = "COUCHPAD_LOG_FORMAT"
	envVarLogLevel        = "COUCHPAD_LOG_LEVEL"
	envVarShutdownTimeout = "COUCHPAD_SHUTDOWN_TIMEOUT"

	envVarSQLitePath = "COUCHPAD_SQLITE_PATH"

	envVarStunURLs       = "COUCHPAD_STUN_URLS"
	envVarTurnURLs       = "COUCHPAD_TURN_URLS"
	envVarTurnUsername   = "COUCHPAD_TURN_USERNAME"
	envVarTurnCredential = "COUCHPAD_TURN_CREDENTIAL"

	envVarMaxControllers = "COUCHPAD_MAX_CONTROLLERS"

	envVarConnectMaxAttempts = "COUCHPAD_CONNECT_MAX_ATTEMPTS"
	envVarConnectCooldown    = "COUCHPAD_CONNECT_COOLDOWN"
	envVarPollInterval       = "COUCHPAD_POLL_INTERVAL"

	envVarSignalMaxMessageBytes      = "COUCHPAD_SIGNAL_MAX_MESSAGE_BYTES"
	envVarSignalMaxMessagesPerSecond = "COUCHPAD_SIGNAL_MAX_MESSAGES_PER_SECOND"
	envVarSignalWSIdleTimeout        = "COUCHPAD_SIGNAL_WS_IDLE_TIMEOUT"
	envVarSignalWSPingInterval       = "COUCHPAD_SIGNAL_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr              = "127.0.0.1:8080"
	DefaultShutdownTimeout         = 15 * time.Second
	DefaultMaxControllers          = 4
	DefaultConnectMaxAttempts      = 3
	DefaultConnectCooldown         = 3 * time.Second
	DefaultPollInterval            = 2 * time.Second
	DefaultSignalMaxMessageBytes   = int64(64 * 1024)
	DefaultSignalMaxMessagesPerSec = 50
	DefaultSignalWSIdleTimeout     = 60 * time.Second
	DefaultSignalWSPingInterval    = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

const DefaultMode = ModeDev

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr    string
	PublicBaseURL string
	Mode          Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// SQLitePath points the session directory at a database file. Empty
	// selects the in-memory directory.
	SQLitePath string

	ICEServers []webrtc.ICEServer

	// MaxControllers caps the number of phone devices per session.
	MaxControllers int

	ConnectMaxAttempts int
	ConnectCooldown    time.Duration
	PollInterval       time.Duration

	SignalMaxMessageBytes      int64
	SignalMaxMessagesPerSecond int
	SignalWSIdleTimeout        time.Duration
	SignalWSPingInterval       time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	connectCooldown, err := envDurationOrDefault(lookup, envVarConnectCooldown, DefaultConnectCooldown)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := envDurationOrDefault(lookup, envVarPollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalWSIdleTimeout, DefaultSignalWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalWSPingInterval, DefaultSignalWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxControllers, err := envIntOrDefault(lookup, envVarMaxControllers, DefaultMaxControllers)
	if err != nil {
		return Config{}, err
	}
	connectMaxAttempts, err := envIntOrDefault(lookup, envVarConnectMaxAttempts, DefaultConnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarSignalMaxMessagesPerSecond, DefaultSignalMaxMessagesPerSec)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultSignalMaxMessageBytes
	if raw, ok := lookup(envVarSignalMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("couchpad-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL used in join links (env "+envVarPublicBaseURL+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database path; empty keeps sessions in memory (env "+envVarSQLitePath+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envVarTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envVarTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envVarTurnCredential+")")
	fs.IntVar(&maxControllers, "max-controllers", maxControllers, "Phone devices allowed per session (env "+envVarMaxControllers+")")
	fs.IntVar(&connectMaxAttempts, "connect-max-attempts", connectMaxAttempts, "Connection attempts per peer before terminal failure (env "+envVarConnectMaxAttempts+")")
	fs.DurationVar(&connectCooldown, "connect-cooldown", connectCooldown, "Delay before the single automatic retry (env "+envVarConnectCooldown+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Lobby poll backstop interval (env "+envVarPollInterval+")")
	fs.Int64Var(&maxMessageBytes, "signal-max-message-bytes", maxMessageBytes, "Max signaling WebSocket message size (env "+envVarSignalMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "signal-max-messages-per-second", maxMessagesPerSecond, "Per-connection signaling message rate limit (env "+envVarSignalMaxMessagesPerSecond+")")
	fs.DurationVar(&wsIdleTimeout, "signal-ws-idle-timeout", wsIdleTimeout, "Signaling WebSocket idle timeout (env "+envVarSignalWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signal-ws-ping-interval", wsPingInterval, "Signaling WebSocket ping interval (env "+envVarSignalWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen addr %q: %w", listenAddr, err)
	}
	if connectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("connect-max-attempts must be positive, got %d", connectMaxAttempts)
	}
	if maxControllers <= 0 {
		return Config{}, fmt.Errorf("max-controllers must be positive, got %d", maxControllers)
	}
	if connectCooldown <= 0 {
		return Config{}, fmt.Errorf("connect-cooldown must be positive, got %s", connectCooldown)
	}
	if pollInterval <= 0 {
		return Config{}, fmt.Errorf("poll-interval must be positive, got %s", pollInterval)
	}

	iceServers, err := parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:                 listenAddr,
		PublicBaseURL:              publicBaseURL,
		Mode:                       mode,
		LogFormat:                  logFormat,
		LogLevel:                   logLevel,
		ShutdownTimeout:            shutdownTimeout,
		SQLitePath:                 sqlitePath,
		ICEServers:                 iceServers,
		MaxControllers:             maxControllers,
		ConnectMaxAttempts:         connectMaxAttempts,
		ConnectCooldown:            connectCooldown,
		PollInterval:               pollInterval,
		SignalMaxMessageBytes:      maxMessageBytes,
		SignalMaxMessagesPerSecond: maxMessagesPerSecond,
		SignalWSIdleTimeout:        wsIdleTimeout,
		SignalWSPingInterval:       wsPingInterval,
	}, nil
}

// parseICEServers builds the ICE server list from comma-separated STUN and
// TURN URLs. TURN credentials apply to every TURN entry.
func parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCSV(stunURLs); len(urls) > 0 {
		for _, u := range urls {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				return nil, fmt.Errorf("invalid STUN URL %q", u)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if urls := splitCSV(turnURLs); len(urls) > 0 {
		for _, u := range urls {
			if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return nil, fmt.Errorf("invalid TURN URL %q", u)
			}
		}
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("TURN URLs require both username and credential")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}
