// Package bootstrap creates the Chatalot home tree on first run.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

// starterConfig is written when config.toml is missing.
const starterConfig = `# Chatalot configuration. Run "chatalot config" to see every merged value.
provider = "default"

[llm.default]
provider = "openai"
api_key = "${OPENAI_API_KEY}"
model = "gpt-4o-mini"

[features]
functions = false
vision = false
summarize_on_overflow = false

[chat]
idle_expiry = "0s"

[storage]
backend = "file"

[costs]
daily_limit = 0.0
monthly_limit = 0.0

[channels.telegram]
enabled = true
token = "${TELEGRAM_BOT_TOKEN}"
allowed_users = []
`

// Initialize creates the expected Chatalot data tree if missing.
func Initialize(cfg *config.Config) error {
	dirs := []string{
		cfg.HomeDir,
		cfg.DataDir(),
		cfg.StoreDir(),
		cfg.LogsDir(),
	}
	if cfg.Features.ChatLogging {
		dirs = append(dirs, cfg.ChatLogsDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	files := []struct {
		path    string
		content string
		mode    os.FileMode
	}{
		{path: cfg.ConfigPath(), content: starterConfig, mode: 0o600},
		{path: cfg.CostsPath(), content: "", mode: 0o644},
	}

	for _, file := range files {
		if err := writeFileIfMissing(file.path, file.content, file.mode); err != nil {
			return err
		}
	}

	return nil
}

func writeFileIfMissing(path, content string, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("write file %q: %w", path, err)
	}
	return nil
}
