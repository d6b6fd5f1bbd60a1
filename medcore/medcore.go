// Package medcore holds process-wide defaults shared by the config, db and
// cmd packages.
package medcore

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName       = "medcore"
	DefaultDatabaseType  = "libsql"
	DefaultDatabaseFile  = "sessions.db"
	DefaultRedisAddr     = "127.0.0.1:6379"
	DefaultRedisPrefix   = "medcore"
	DefaultKnowledgeFile = "knowledge.yaml"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDSN = filepath.Join(DefaultDatabaseDir, DefaultDatabaseFile)
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
