package adapters

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"valve-controller/application"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads the tuning settings from a YAML file on top of
// application.DefaultSettings. A missing file yields the defaults; unknown
// keys and invalid values are errors.
func LoadSettings(path string) (application.Settings, error) {
	settings := application.DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("read settings %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return settings, fmt.Errorf("parse settings %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}
