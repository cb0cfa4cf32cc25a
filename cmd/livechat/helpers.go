package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wewillfixyourpc/livechat-go"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// resolvedConfig loads the config file and applies env and flag overrides.
func resolvedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	return cfg, nil
}

func variantOf(cfg *Config) livechat.Variant {
	if cfg.Default.Variant == string(livechat.VariantCustomer) {
		return livechat.VariantCustomer
	}
	return livechat.VariantOperator
}

// getClient creates a client for the configured backend and token.
func getClient(cfg *Config, opts ...livechat.ClientOption) *livechat.Client {
	base := []livechat.ClientOption{livechat.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		base = append(base, livechat.WithBaseURL(cfg.Default.BaseURL))
	}
	return livechat.NewClient(cfg.Auth.Token, append(base, opts...)...)
}

// dialSession opens a session with the configured variant.
func dialSession(ctx context.Context, cfg *Config, opts ...livechat.ClientOption) (*livechat.Session, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'livechat init' first")
	}
	client := getClient(cfg, opts...)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	sess, err := client.Dial(dialCtx, variantOf(cfg), livechat.RealtimeConfig{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", client.BaseURL(), err)
	}
	return sess, nil
}

func parseCID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
