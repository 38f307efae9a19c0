// Rusuban is the WhatsApp auto-responder daemon.
//
// It pairs with a WhatsApp account as a linked device, answers incoming
// direct messages through an OpenAI-compatible completion model, and exposes
// a small admin HTTP interface for pairing, settings, and session lifecycle
// control.
//
// All configuration is loaded from environment variables; a .env file in the
// working directory is honoured, with real environment values taking
// precedence:
//
//	RUSUBAN_DB_PATH          - application SQLite database (default "./rusuban.db")
//	RUSUBAN_SESSION_DB_PATH  - WhatsApp credential store (default "./rusuban-session.db")
//	RUSUBAN_PROFILE          - persona YAML seeded into settings on first run
//	RUSUBAN_HTTP_ADDR        - admin server listen address (default ":8488")
//	RUSUBAN_HTTP_ENABLED     - "false" disables the admin server (default "true")
//	RUSUBAN_ADMIN_TOKEN      - bearer token for the admin API (empty = no auth)
//	RUSUBAN_DEVICE_NAME      - name shown in the phone's linked-devices list
//	RUSUBAN_OPENAI_API_KEY   - seeds the openai_api_key setting on first run
//	RUSUBAN_OPENAI_BASE_URL  - seeds the openai_base_url setting on first run
//	RUSUBAN_PROVIDER_TIMEOUT - per-request completion timeout (default "60s")
//	RUSUBAN_MAX_TOKENS       - reply length cap in tokens (default 256)
//	LOG_LEVEL                - "debug", "info", "warn", "error" (default "info")
//	LOG_FORMAT               - "text" or "json" (default "text")
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bdobrica/Rusuban/common/env"
	"github.com/bdobrica/Rusuban/internal/rusuban/app"
	"github.com/joho/godotenv"
)

func main() {
	// godotenv never overwrites values already present in the environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	cfg := app.Config{
		DatabasePath:    env.StringOr("RUSUBAN_DB_PATH", "./rusuban.db"),
		SessionDBPath:   env.StringOr("RUSUBAN_SESSION_DB_PATH", "./rusuban-session.db"),
		ProfilePath:     os.Getenv("RUSUBAN_PROFILE"),
		HTTPAddr:        env.StringOr("RUSUBAN_HTTP_ADDR", ":8488"),
		HTTPEnabled:     env.BoolOr("RUSUBAN_HTTP_ENABLED", true),
		AdminToken:      os.Getenv("RUSUBAN_ADMIN_TOKEN"),
		DeviceName:      env.StringOr("RUSUBAN_DEVICE_NAME", "Rusuban"),
		APIKey:          os.Getenv("RUSUBAN_OPENAI_API_KEY"),
		BaseURL:         os.Getenv("RUSUBAN_OPENAI_BASE_URL"),
		ProviderTimeout: env.DurationOr("RUSUBAN_PROVIDER_TIMEOUT", 60*time.Second),
		MaxTokens:       env.IntOr("RUSUBAN_MAX_TOKENS", 256),
		LogLevel:        env.StringOr("LOG_LEVEL", "info"),
		LogFormat:       env.StringOr("LOG_FORMAT", "text"),
	}

	rusuban, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize Rusuban", "err", err)
		os.Exit(1)
	}
	defer rusuban.Stop()

	if err := rusuban.Run(); err != nil {
		slog.Error("Rusuban exited with error", "err", err)
		os.Exit(1)
	}
}
