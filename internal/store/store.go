package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

type JobStatus string

const (
	JobNew      JobStatus = "new"
	JobApproved JobStatus = "approved"
	JobApplied  JobStatus = "applied"
	JobRejected JobStatus = "rejected"
	JobFailed   JobStatus = "failed"
)

// Profile is a saved search: what to look for and on which platforms.
type Profile struct {
	ID        string            `mapstructure:"id" yaml:"id"`
	Name      string            `mapstructure:"name" yaml:"name"`
	Keywords  []string          `mapstructure:"keywords" yaml:"keywords"`
	Location  string            `mapstructure:"location" yaml:"location"`
	Platforms []string          `mapstructure:"platforms" yaml:"platforms"`
	Enabled   bool              `mapstructure:"enabled" yaml:"enabled"`
	Answers   map[string]string `mapstructure:"answers" yaml:"answers"`
}

type Job struct {
	ID        string    `mapstructure:"id" yaml:"id"`
	ProfileID string    `mapstructure:"profile_id" yaml:"profile_id"`
	Platform  string    `mapstructure:"platform" yaml:"platform"`
	URL       string    `mapstructure:"url" yaml:"url"`
	Title     string    `mapstructure:"title" yaml:"title"`
	Company   string    `mapstructure:"company" yaml:"company"`
	Status    JobStatus `mapstructure:"status" yaml:"status"`
	UpdatedAt time.Time `mapstructure:"-" yaml:"-"`
}

// Memory is an in-process profile and job store.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	jobs     map[string]Job
	now      func() time.Time
}

func NewMemory(profiles []Profile, jobs []Job) *Memory {
	m := &Memory{
		profiles: make(map[string]Profile, len(profiles)),
		jobs:     make(map[string]Job, len(jobs)),
		now:      time.Now,
	}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = JobNew
		}
		m.jobs[j.ID] = j
	}
	return m
}

func (m *Memory) Profile(id string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// EnabledProfiles returns enabled profiles sorted by id.
func (m *Memory) EnabledProfiles() []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// JobsByStatus returns jobs in status sorted by id.
func (m *Memory) JobsByStatus(status JobStatus) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddJob records a discovered job unless the id is already known.
func (m *Memory) AddJob(j Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return false
	}
	if j.Status == "" {
		j.Status = JobNew
	}
	j.UpdatedAt = m.now()
	m.jobs[j.ID] = j
	return true
}

func (m *Memory) SetJobStatus(id string, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	j.Status = status
	j.UpdatedAt = m.now()
	m.jobs[id] = j
	return nil
}
