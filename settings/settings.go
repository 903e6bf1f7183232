/*
Package settings stores the bus parameters a node publishes once it is up.

A spawned node writes its settings with Publish; the horde that spawned it
polls Load until the file shows up. Files are JSON with comments allowed and
live at <dir>/<kind>/<identity>.json. Readers take a shared lock and writers
an exclusive one, so a half-written file is never parsed.
*/
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/tidwall/jsonc"

	"github.com/tedsuo/horde/bus"
)

// KindBus is the settings kind holding a node's bus parameters.
const KindBus = "bus"

var ErrNotFound = errors.New("settings: not found")

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(kind, identity string) string {
	return filepath.Join(s.dir, kind, identity+".json")
}

func (s *Store) Load(kind, identity string) (bus.Params, error) {
	path := s.path(kind, identity)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return bus.Params{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, identity)
	}

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return bus.Params{}, fmt.Errorf("settings: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return bus.Params{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, identity)
	}
	if err != nil {
		return bus.Params{}, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var params bus.Params
	if err := json.Unmarshal(jsonc.ToJSON(data), &params); err != nil {
		return bus.Params{}, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return params, nil
}

func (s *Store) Publish(kind, identity string, params bus.Params) error {
	path := s.path(kind, identity)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", path, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("settings: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Remove deletes the settings of identity; a missing file is not an error.
func (s *Store) Remove(kind, identity string) error {
	path := s.path(kind, identity)
	for _, p := range []string{path, path + ".lock"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("settings: %w", err)
		}
	}
	return nil
}
