package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAutonextLockout is used when a studio does not configure one.
const DefaultAutonextLockout = time.Second

// StudioFile is the on-disk shape of the studio settings file.
type StudioFile struct {
	Studios []StudioEntry `yaml:"studios"`
}

// StudioEntry configures one studio.
type StudioEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// PreserveOrphanedSegmentContent restores the stored parts of an on-air segment
	// that ingest tried to remove. Defaults to true when omitted.
	PreserveOrphanedSegmentContent *bool `yaml:"preserveOrphanedSegmentContent"`

	// AutonextLockout is how close to an automatic take the next part becomes frozen.
	AutonextLockout string `yaml:"autonextLockout"`
}

// Preserve returns PreserveOrphanedSegmentContent with its default applied.
func (e StudioEntry) Preserve() bool {
	if e.PreserveOrphanedSegmentContent == nil {
		return true
	}
	return *e.PreserveOrphanedSegmentContent
}

// Lockout returns the parsed autonext lockout, defaulting to DefaultAutonextLockout.
func (e StudioEntry) Lockout() (time.Duration, error) {
	if e.AutonextLockout == "" {
		return DefaultAutonextLockout, nil
	}
	d, err := time.ParseDuration(e.AutonextLockout)
	if err != nil {
		return 0, fmt.Errorf("studio %s: autonextLockout: %w", e.ID, err)
	}
	return d, nil
}

// LoadStudios parses a studio settings file. An empty path yields a single default studio.
func LoadStudios(path string) (StudioFile, error) {
	if path == "" {
		return StudioFile{Studios: []StudioEntry{{ID: "studio0", Name: "Default studio"}}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return StudioFile{}, fmt.Errorf("read studio settings: %w", err)
	}
	return ParseStudios(raw)
}

// ParseStudios decodes studio settings YAML and validates it.
func ParseStudios(raw []byte) (StudioFile, error) {
	var f StudioFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return StudioFile{}, fmt.Errorf("parse studio settings: %w", err)
	}
	seen := make(map[string]bool, len(f.Studios))
	for _, s := range f.Studios {
		if s.ID == "" {
			return StudioFile{}, fmt.Errorf("parse studio settings: studio without id")
		}
		if seen[s.ID] {
			return StudioFile{}, fmt.Errorf("parse studio settings: duplicate studio %s", s.ID)
		}
		seen[s.ID] = true
		if _, err := s.Lockout(); err != nil {
			return StudioFile{}, err
		}
	}
	return f, nil
}
