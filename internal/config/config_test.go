package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log defaults = %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.ConnectMaxAttempts != 3 || cfg.ConnectCooldown != 3*time.Second {
		t.Fatalf("connect defaults = %d/%s", cfg.ConnectMaxAttempts, cfg.ConnectCooldown)
	}
	if cfg.MaxControllers != 4 {
		t.Fatalf("MaxControllers = %d, want 4", cfg.MaxControllers)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("pollInterval = %s", cfg.PollInterval)
	}
	if cfg.SQLitePath != "" {
		t.Fatalf("sqlitePath = %q", cfg.SQLitePath)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("iceServers = %v", cfg.ICEServers)
	}
}

func TestProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("prod log defaults = %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr:   "127.0.0.1:9999",
		envVarPollInterval: "10s",
	}
	cfg, err := load(lookupFrom(env), []string{
		"-listen-addr", "0.0.0.0:7000",
		"-connect-max-attempts", "5",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("listenAddr = %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("pollInterval = %s", cfg.PollInterval)
	}
	if cfg.ConnectMaxAttempts != 5 {
		t.Fatalf("connectMaxAttempts = %d", cfg.ConnectMaxAttempts)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad listen addr", nil, []string{"-listen-addr", "no-port"}},
		{"bad mode", nil, []string{"-mode", "staging"}},
		{"bad log level", nil, []string{"-log-level", "loud"}},
		{"bad duration env", map[string]string{envVarConnectCooldown: "soon"}, nil},
		{"zero attempts", nil, []string{"-connect-max-attempts", "0"}},
		{"zero controllers", nil, []string{"-max-controllers", "0"}},
		{"negative poll", nil, []string{"-poll-interval", "-1s"}},
	}
	for _, tc := range cases {
		if _, err := load(lookupFrom(tc.env), tc.args); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseICEServers(t *testing.T) {
	servers, err := parseICEServers("stun:stun.l.google.com:19302", "turn:turn.example.com:3478", "user", "secret")
	if err != nil {
		t.Fatalf("parseICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("server count = %d", len(servers))
	}
	if servers[1].Username != "user" || servers[1].Credential != "secret" {
		t.Fatalf("turn credentials not applied: %+v", servers[1])
	}

	if _, err := parseICEServers("http://not-stun", "", "", ""); err == nil {
		t.Fatal("bad stun url accepted")
	}
	if _, err := parseICEServers("", "turn:turn.example.com:3478", "", ""); err == nil {
		t.Fatal("turn without credentials accepted")
	}
}
