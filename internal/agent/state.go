// internal/agent/state.go
package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadState reads the last processed log position from file.
// Returns the zero State if the file doesn't exist or is corrupt.
func ReadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		// Corrupt file - fresh start
		return State{}, nil
	}
	return s, nil
}

// WriteState writes the position to the state file atomically.
// Creates parent directories if needed.
func WriteState(path string, s State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
