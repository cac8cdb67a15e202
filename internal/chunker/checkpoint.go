package chunker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the on-disk resume record for one chunked operation:
// which chunks of which source are already done. Refuse to resume if
// the source hash changed underneath the caller (spec §4.4).
type Checkpoint struct {
	SourceHash string       `json:"source_hash"`
	Completed  map[int]bool `json:"completed_chunks"`
	CreatedAt  time.Time    `json:"created_at"`
}

func NewCheckpoint(sourceHash string) *Checkpoint {
	return &Checkpoint{
		SourceHash: sourceHash,
		Completed:  map[int]bool{},
		CreatedAt:  time.Now().UTC(),
	}
}

// LoadCheckpoint reads a checkpoint file, returning (nil, nil) if it
// does not exist -- a missing checkpoint simply means "start fresh",
// not an error.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is caller-controlled checkpoint directory config, not request-derived.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp.Completed == nil {
		cp.Completed = map[int]bool{}
	}
	return &cp, nil
}

// Save persists the checkpoint atomically: write to a temp file in the
// same directory, then rename over the canonical path. Mirrors the
// write-tmp-then-rename discipline used throughout the pack's JSON
// persistence (e.g. internal/vault's trust store).
func (c *Checkpoint) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "chunker-checkpoint-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
