package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/direct4me-bridge/internal/defaults"
)

// runInit prepares a working directory: a data directory for the state
// database and an example config.yaml. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing direct4me bridge in %s\n", dir)

	dataDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config holds the vendor password, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml with your Direct4.me account, then run:")
	fmt.Fprintln(w, "  direct4me check")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether the file was written.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
