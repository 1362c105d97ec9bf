package healer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const cacheVersion = 1

// RepairedSelector maps a broken selector set to its validated replacement.
type RepairedSelector struct {
	OriginalSelectors []string  `json:"originalSelectors"`
	RepairedSelectors []string  `json:"repairedSelectors"`
	Confidence        float64   `json:"confidence"`
	SuccessCount      int       `json:"successCount"`
	FailureCount      int       `json:"failureCount"`
	RepairedAt        time.Time `json:"repairedAt"`
}

type CacheFile struct {
	Version  int                          `json:"version"`
	Platform string                       `json:"platform"`
	Entries  map[string]*RepairedSelector `json:"entries"`
}

func newCacheFile(platform string) *CacheFile {
	return &CacheFile{
		Version:  cacheVersion,
		Platform: platform,
		Entries:  make(map[string]*RepairedSelector),
	}
}

// CacheStore persists one CacheFile per platform.
type CacheStore interface {
	Load(platform string) (*CacheFile, error)
	Save(file *CacheFile) error
}

// FileStore keeps <dir>/<platform>.json documents. Writes replace the whole
// file; one writer per platform is assumed.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *FileStore) path(platform string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(platform, "_")+".json")
}

func (s *FileStore) Load(platform string) (*CacheFile, error) {
	data, err := os.ReadFile(s.path(platform))
	if errors.Is(err, os.ErrNotExist) {
		return newCacheFile(platform), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read selector cache: %w", err)
	}
	var f CacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse selector cache: %w", err)
	}
	if f.Version != cacheVersion {
		return nil, fmt.Errorf("selector cache %s: unsupported version %d", platform, f.Version)
	}
	if f.Entries == nil {
		f.Entries = make(map[string]*RepairedSelector)
	}
	f.Platform = platform
	return &f, nil
}

func (s *FileStore) Save(file *CacheFile) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal selector cache: %w", err)
	}
	target := s.path(file.Platform)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write selector cache: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace selector cache: %w", err)
	}
	return nil
}
