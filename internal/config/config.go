package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir    string `json:"data_dir"`
	LogLevel   string `json:"log_level"`
	ServerURL  string `json:"server_url"`
	MaxRetries int    `json:"max_retries"`
	RetryDelay int    `json:"retry_delay_ms"`
	UndoWindow int    `json:"undo_window_sec"`
	Context    struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	} `json:"context"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID string `json:"chat_id"`
	} `json:"telegram"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    filepath.Join(os.Getenv("HOME"), ".reportstream"),
		LogLevel:   "info",
		ServerURL:  "http://localhost:8000/api",
		MaxRetries: 3,
		RetryDelay: 2000,
		UndoWindow: 10,
	}
	cfg.Context.Model = "gpt-4"
	cfg.Context.MaxTokens = 4000

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env then process env (highest precedence)
	_ = godotenv.Load()
	if serverURL := os.Getenv("REPORTSTREAM_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if dataDir := os.Getenv("REPORTSTREAM_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if tgChat := os.Getenv("TELEGRAM_CHAT_ID"); tgChat != "" {
		cfg.Telegram.ChatID = tgChat
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// ConversationsPath is the durable conversation collection file.
func (c *Config) ConversationsPath() string {
	return filepath.Join(c.DataDir, "conversations.json")
}

// SnapshotPaths returns the volatile and durable snapshot locations, in
// read order. Two independent homes so losing one does not lose the
// snapshot.
func (c *Config) SnapshotPaths() (volatile, durable string) {
	return filepath.Join(os.TempDir(), "reportstream", "snapshot.json"),
		filepath.Join(c.DataDir, "snapshot.json")
}
