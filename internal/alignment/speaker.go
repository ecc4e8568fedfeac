package alignment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveSpeaker writes s as an indented JSON speaker profile.
func SaveSpeaker(path string, s Speaker) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode speaker: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create speaker dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write speaker: %w", err)
	}
	return nil
}

// LoadSpeaker reads a profile written by SaveSpeaker.
func LoadSpeaker(path string) (Speaker, error) {
	var s Speaker
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read speaker: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode speaker: %w", err)
	}
	if len(s.Words) == 0 {
		return s, fmt.Errorf("speaker %s: %w", path, ErrNoWords)
	}
	return s, nil
}
