package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.courier.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".courier")
}

// AccountDir returns the directory holding one account's local state.
func AccountDir(account string) string {
	return filepath.Join(BaseDir(), "accounts", account)
}

// CacheDBPath returns the path of the account's local cache ledger.
func CacheDBPath(account string) string {
	return filepath.Join(AccountDir(account), "cache.db")
}

// MediaDir returns the default downloaded-attachment directory.
func MediaDir(account string) string {
	return filepath.Join(AccountDir(account), "media")
}

// LogDir returns the log directory for an account.
func LogDir(account string) string {
	return filepath.Join(AccountDir(account), "logs")
}

// LogPath returns the engine log file path.
func LogPath(account string) string {
	return filepath.Join(LogDir(account), "courier.log")
}

// ConfigPath returns the account config file path.
func ConfigPath(account string) string {
	return filepath.Join(AccountDir(account), "config.toml")
}

// EnsureDirs creates the account directory tree with owner-only permissions.
func EnsureDirs(account string) error {
	dirs := []string{
		AccountDir(account),
		MediaDir(account),
		LogDir(account),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
