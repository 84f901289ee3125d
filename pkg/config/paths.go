// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetEngramDataDir returns the Engram data directory.
//
// Priority:
// 1. ENGRAM_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.engram (default)
//
// The returned path is always absolute. Tilde (~) in ENGRAM_DATA_DIR is expanded to the user's home directory.
// Relative paths in ENGRAM_DATA_DIR are converted to absolute paths.
//
// This function is called during bootstrap (before config file is loaded) to locate the config file itself.
// After config is loaded, use config.DataDir for consistency.
//
// Examples:
//
//	ENGRAM_DATA_DIR=/custom/engram      -> /custom/engram
//	ENGRAM_DATA_DIR=~/my-engram         -> /home/user/my-engram
//	ENGRAM_DATA_DIR=relative/path       -> /current/dir/relative/path
//	ENGRAM_DATA_DIR not set             -> /home/user/.engram
//
// Note: This function reads directly from os.Getenv(), not from viper, to avoid
// circular dependency during config initialization.
func GetEngramDataDir() string {
	// Check environment variable first
	if dataDir := os.Getenv("ENGRAM_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	// Fall back to ~/.engram
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return ".engram"
	}
	return filepath.Join(homeDir, ".engram")
}

// GetEngramSubDir returns a subdirectory within the Engram data directory.
// Example: GetEngramSubDir("logs") returns ~/.engram/logs
func GetEngramSubDir(subdir string) string {
	return filepath.Join(GetEngramDataDir(), subdir)
}

// DefaultDBPath returns the default location of the queue database.
// One database is shared by all daemon instances; rows are scoped by
// session id, and each instance opens its own connection pool against
// the file (queue.New sets WAL journaling and a busy timeout for this).
func DefaultDBPath() string {
	return filepath.Join(GetEngramDataDir(), "engram.db")
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	// Make path absolute
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}
