package config

import "path/filepath"

const (
	// Global layout under CHATALOT_HOME.
	ConfigFilePath = "config.toml"
	DataDirPath    = "data"
	LogsDirPath    = "logs"

	// Data layout under CHATALOT_HOME/data.
	StoreDirPath     = "store"
	ChatLogsDirPath  = "chatlogs"
	DatabaseFileName = "chatalot.db"
	CostsFileName    = "costs.jsonl"
	HistoryFileName  = "repl_history"
	RunsFileName     = "maintenance.json"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".chatalot")
}

func homeDataPath(home string) string {
	return filepath.Join(home, DataDirPath)
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) DataDir() string {
	return homeDataPath(c.HomeDir)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), LogsDirPath)
}

// StoreDir is the root of the file storage backend.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir(), StoreDirPath)
}

// DatabasePath is the SQLite storage backend file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir(), DatabaseFileName)
}

// ChatLogsDir receives plain-text dumps of deleted conversations.
func (c *Config) ChatLogsDir() string {
	return filepath.Join(c.DataDir(), ChatLogsDirPath)
}

func (c *Config) CostsPath() string {
	return filepath.Join(c.LogsDir(), CostsFileName)
}

func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir(), HistoryFileName)
}

// RunsPath records recent maintenance job runs.
func (c *Config) RunsPath() string {
	return filepath.Join(c.LogsDir(), RunsFileName)
}
