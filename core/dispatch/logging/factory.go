package logging

import "fmt"

// Config selects the audit log backend.
type Config struct {
	// Backend is one of "", "jsonl", "rotating" or "sqlite". Empty disables
	// the audit log.
	Backend string `json:"backend"`
	// Path is the file location of the log store.
	Path string `json:"path"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
}

// SetDefaults fills the file path of an enabled backend.
func (c *Config) SetDefaults() {
	if c.Backend == "" || c.Path != "" {
		return
	}
	if c.Backend == "sqlite" {
		c.Path = "offers.db"
	} else {
		c.Path = "offers.jsonl"
	}
}

// Validate checks the backend name.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "jsonl", "rotating", "sqlite":
	default:
		return fmt.Errorf("unknown offer log backend %q", c.Backend)
	}
	if c.Backend != "" && c.Path == "" {
		return fmt.Errorf("offer_log.path is required")
	}
	return nil
}

// New opens the configured LogStore.
func New(cfg Config) (LogStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "":
		return NopStore{}, nil
	case "jsonl":
		return NewJSONLStore(cfg.Path)
	case "rotating":
		return NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	default:
		return NewSQLiteStore(cfg.Path)
	}
}
