// Package profiles provides named scan presets for portsweep.
// Five profiles are built in; the configuration file may override any of
// them or add new ones.
package profiles

import (
	"sort"
	"strings"
	"time"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

// Profile is a named combination of ports, worker count and timeout.
type Profile struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Ports       string        `json:"ports" yaml:"ports"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	BuiltIn     bool          `json:"built_in" yaml:"-"`
}

// Resolved is a profile expanded into engine inputs.
type Resolved struct {
	Profile     string
	Ports       []int
	Concurrency int
	Timeout     time.Duration
}

// ScanConfig turns a resolved profile into an engine configuration for target.
func (r Resolved) ScanConfig(target string) scanning.ScanConfig {
	return scanning.ScanConfig{
		Target:      target,
		Ports:       r.Ports,
		Timeout:     r.Timeout,
		Concurrency: r.Concurrency,
	}
}

// Built-in profile names.
const (
	Quick    = "quick"
	Full     = "full"
	Web      = "web"
	Database = "database"
	Safe     = "safe"
)

func builtins() []Profile {
	return []Profile{
		{Name: Quick, Description: "Common service ports, fast", Ports: ports.KeywordCommon,
			Concurrency: 200, Timeout: 500 * time.Millisecond},
		{Name: Full, Description: "Every TCP port", Ports: "1-65535",
			Concurrency: 500, Timeout: 500 * time.Millisecond},
		{Name: Web, Description: "Web servers and proxies", Ports: "80,443,8000,8080,8443,8888",
			Concurrency: 50, Timeout: 2 * time.Second},
		{Name: Database, Description: "Database listeners", Ports: "1433,1521,3306,5432,6379,27017",
			Concurrency: 50, Timeout: 2 * time.Second},
		{Name: Safe, Description: "Common ports, low rate, patient timeout", Ports: ports.KeywordCommon,
			Concurrency: 10, Timeout: 3 * time.Second},
	}
}

// Manager holds the effective profile set.
type Manager struct {
	profiles map[string]Profile
}

// NewManager returns the built-ins merged with overrides from the
// configuration. Override fields left at zero keep the built-in value.
func NewManager(overrides map[string]config.ProfileConfig) *Manager {
	m := &Manager{profiles: make(map[string]Profile)}
	for _, p := range builtins() {
		p.BuiltIn = true
		m.profiles[p.Name] = p
	}

	for name, o := range overrides {
		key := strings.ToLower(strings.TrimSpace(name))
		p, ok := m.profiles[key]
		if !ok {
			p = Profile{Name: key, Ports: ports.KeywordCommon}
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.Ports != "" {
			p.Ports = o.Ports
		}
		if o.Concurrency > 0 {
			p.Concurrency = o.Concurrency
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
		m.profiles[key] = p
	}
	return m
}

// Get returns a profile by case-insensitive name.
func (m *Manager) Get(name string) (Profile, error) {
	p, ok := m.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, errors.NewValidationError("profile", name,
			"unknown profile, expected one of: "+strings.Join(m.Names(), ", "))
	}
	return p, nil
}

// Names returns profile names in alphabetical order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns every profile ordered by name.
func (m *Manager) List() []Profile {
	out := make([]Profile, 0, len(m.profiles))
	for _, name := range m.Names() {
		out = append(out, m.profiles[name])
	}
	return out
}

// Resolve expands a profile's port list and fills engine defaults for any
// unset worker count or timeout.
func (m *Manager) Resolve(name string) (Resolved, error) {
	p, err := m.Get(name)
	if err != nil {
		return Resolved{}, err
	}
	portList, err := ports.Expand(p.Ports)
	if err != nil {
		return Resolved{}, err
	}

	r := Resolved{Profile: p.Name, Ports: portList, Concurrency: p.Concurrency, Timeout: p.Timeout}
	if r.Concurrency <= 0 {
		r.Concurrency = scanning.DefaultConcurrency
	}
	if r.Timeout <= 0 {
		r.Timeout = scanning.DefaultTimeout
	}
	return r, nil
}
