package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"valve-controller/application"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
)

// FileConfigStore persists the DeviceConfig as a single JSON file. Comments
// and trailing commas are tolerated on load so the file can be hand edited
// during provisioning.
type FileConfigStore struct {
	path string
	log  zerolog.Logger
}

func NewFileConfigStore(path string, log zerolog.Logger) *FileConfigStore {
	return &FileConfigStore{path: path, log: log}
}

func (s *FileConfigStore) Path() string { return s.path }

func (s *FileConfigStore) Load() (application.DeviceConfig, error) {
	var cfg application.DeviceConfig

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, application.ErrConfigNotFound
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", s.path, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return cfg, nil
}

// Save replaces the record atomically: a crash leaves either the old or the
// new file, never a torn one.
func (s *FileConfigStore) Save(cfg application.DeviceConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}

	s.log.Debug().Str("path", s.path).Msg("device config saved")
	return nil
}

var _ application.ConfigStore = &FileConfigStore{}
