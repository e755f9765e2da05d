// Package settings manages persistent user settings for the newtrule CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/newtron-network/newtrule/pkg/util"
)

// Backends accepted by the deploy command.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Audit log backends.
const (
	AuditFile = "file"
	AuditBolt = "bolt"
)

// Settings holds persistent user preferences
type Settings struct {
	// SpecDir overrides the default topology and route file directory
	SpecDir string `json:"spec_dir,omitempty"`

	// Backend is the default device backend for deploy
	Backend string `json:"backend,omitempty"`

	// RPCTimeout bounds each device write, as a Go duration string
	RPCTimeout string `json:"rpc_timeout,omitempty"`

	// Parallelism caps the number of devices deployed at once
	Parallelism int `json:"parallelism,omitempty"`

	// ElectionID identifies this controller when claiming mastership
	ElectionID string `json:"election_id,omitempty"`

	// AuditLog is the path of the audit log
	AuditLog string `json:"audit_log,omitempty"`

	// AuditBackend selects the audit log format
	AuditBackend string `json:"audit_backend,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtrule_settings.json"
	}
	return filepath.Join(home, ".newtrule", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetSpecDir returns the spec directory (with fallback)
func (s *Settings) GetSpecDir() string {
	if s.SpecDir != "" {
		return s.SpecDir
	}
	return "specs"
}

// GetBackend returns the deploy backend (with fallback)
func (s *Settings) GetBackend() string {
	if s.Backend != "" {
		return s.Backend
	}
	return BackendRedis
}

// GetRPCTimeout returns the per-write timeout. Zero means the engine default.
func (s *Settings) GetRPCTimeout() time.Duration {
	d, err := time.ParseDuration(s.RPCTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	name := "audit.log"
	if s.GetAuditBackend() == AuditBolt {
		name = "audit.db"
	}
	return filepath.Join(filepath.Dir(DefaultSettingsPath()), name)
}

// GetAuditBackend returns the audit log format (with fallback)
func (s *Settings) GetAuditBackend() string {
	if s.AuditBackend != "" {
		return s.AuditBackend
	}
	return AuditFile
}

// setters maps setting keys to parsers that store a value.
var setters = map[string]func(s *Settings, v string) error{
	"spec_dir": func(s *Settings, v string) error { s.SpecDir = v; return nil },
	"backend": func(s *Settings, v string) error {
		if v != BackendRedis && v != BackendMemory && v != "" {
			return fmt.Errorf("%w: backend must be %s or %s", util.ErrInvalidConfig, BackendRedis, BackendMemory)
		}
		s.Backend = v
		return nil
	},
	"rpc_timeout": func(s *Settings, v string) error {
		if v != "" {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("%w: rpc_timeout must be a positive duration", util.ErrInvalidConfig)
			}
		}
		s.RPCTimeout = v
		return nil
	},
	"parallelism": func(s *Settings, v string) error {
		if v == "" {
			s.Parallelism = 0
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: parallelism must be a non-negative integer", util.ErrInvalidConfig)
		}
		s.Parallelism = n
		return nil
	},
	"election_id": func(s *Settings, v string) error { s.ElectionID = v; return nil },
	"audit_log":   func(s *Settings, v string) error { s.AuditLog = v; return nil },
	"audit_backend": func(s *Settings, v string) error {
		if v != AuditFile && v != AuditBolt && v != "" {
			return fmt.Errorf("%w: audit_backend must be %s or %s", util.ErrInvalidConfig, AuditFile, AuditBolt)
		}
		s.AuditBackend = v
		return nil
	},
}

// Keys returns the setting keys accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses and stores one setting. An empty value resets it.
func (s *Settings) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
	}
	return set(s, value)
}

// Get returns the stored value of one setting, or "" when unset.
func (s *Settings) Get(key string) (string, error) {
	switch key {
	case "spec_dir":
		return s.SpecDir, nil
	case "backend":
		return s.Backend, nil
	case "rpc_timeout":
		return s.RPCTimeout, nil
	case "parallelism":
		if s.Parallelism == 0 {
			return "", nil
		}
		return strconv.Itoa(s.Parallelism), nil
	case "election_id":
		return s.ElectionID, nil
	case "audit_log":
		return s.AuditLog, nil
	case "audit_backend":
		return s.AuditBackend, nil
	}
	return "", fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
