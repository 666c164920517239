// Package store holds the bot's persisted state: one JSON document per
// concern, each owned by a single mutex-guarded struct. Documents are loaded
// once at startup and rewritten after every mutation; correctness depends on
// a single bot process owning each file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// loadDocument reads a JSON document into v. A missing file is not an error;
// v keeps its zero value and the file appears on first save.
func loadDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// saveDocument writes v as indented JSON via a temp file and rename, so a
// crash mid-write never leaves a truncated document behind.
func saveDocument(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
