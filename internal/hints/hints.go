package hints

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hint is the set of element descriptors for one step.
type Hint struct {
	Selectors   []string `yaml:"selectors"`
	TextMatches []string `yaml:"textMatches"`
	AriaLabels  []string `yaml:"ariaLabels"`
	Location    string   `yaml:"location,omitempty"`
	ElementType string   `yaml:"elementType,omitempty"`
}

func (h Hint) Empty() bool {
	return len(h.Selectors) == 0 && len(h.TextMatches) == 0 && len(h.AriaLabels) == 0
}

type ActionStep struct {
	Intent              string  `yaml:"intent"`
	Hint                Hint    `yaml:"hint"`
	FallbackDescription string  `yaml:"fallbackDescription,omitempty"`
	Confidence          float64 `yaml:"confidence"`
	FailureCount        int     `yaml:"failureCount,omitempty"`
}

type Action struct {
	Steps []ActionStep `yaml:"steps"`
}

// SiteHintFile groups the actions known for one site. It is read-only once loaded.
type SiteHintFile struct {
	Site    string            `yaml:"site"`
	Actions map[string]Action `yaml:"actions"`
}

var ErrInvalidHintFile = errors.New("invalid hint file")

func (f *SiteHintFile) Validate() error {
	if strings.TrimSpace(f.Site) == "" {
		return fmt.Errorf("%w: site is required", ErrInvalidHintFile)
	}
	for intent, action := range f.Actions {
		if len(action.Steps) == 0 {
			return fmt.Errorf("%w: %s/%s has no steps", ErrInvalidHintFile, f.Site, intent)
		}
		for i, step := range action.Steps {
			if step.Confidence < 0 || step.Confidence > 1 {
				return fmt.Errorf("%w: %s/%s step %d confidence %.2f outside [0,1]", ErrInvalidHintFile, f.Site, intent, i, step.Confidence)
			}
		}
	}
	return nil
}

// LoadFile parses a YAML or JSON hint file.
func LoadFile(path string) (*SiteHintFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hint file: %w", err)
	}
	var f SiteHintFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hint file %s: %w", path, err)
	}
	for intent, action := range f.Actions {
		for i := range action.Steps {
			if action.Steps[i].Intent == "" {
				action.Steps[i].Intent = intent
			}
		}
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func isHintFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every hint file in dir, sorted by file name.
func LoadDir(dir string) ([]*SiteHintFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read hint dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isHintFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]*SiteHintFile, 0, len(names))
	for _, name := range names {
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
