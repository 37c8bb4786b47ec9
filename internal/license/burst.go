package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	burstStateFile = "license_state.json"

	// burstSessionWindow bounds a run started without a reachable server.
	burstSessionWindow = time.Hour

	// defaultBurstBudget applies before a server has ever granted one.
	defaultBurstBudget = 3
)

// burstState is the locally cached burst budget. The server owns the
// authoritative value; this copy exists so outages can be survived.
type burstState struct {
	Remaining int       `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

func burstStatePath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, burstStateFile)
}

func loadBurstState(dir string) (burstState, error) {
	raw, err := os.ReadFile(burstStatePath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return burstState{Remaining: defaultBurstBudget}, nil
	}
	if err != nil {
		return burstState{}, fmt.Errorf("read burst state: %w", err)
	}
	var state burstState
	if err := json.Unmarshal(raw, &state); err != nil {
		return burstState{}, fmt.Errorf("parse burst state: %w", err)
	}
	return state, nil
}

func saveBurstState(dir string, state burstState) error {
	path := burstStatePath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode burst state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write burst state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace burst state: %w", err)
	}
	return nil
}
