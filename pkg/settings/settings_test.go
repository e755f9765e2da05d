package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/newtron-network/newtrule/pkg/util"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	if got := s.GetSpecDir(); got != "specs" {
		t.Errorf("GetSpecDir() default = %q, want %q", got, "specs")
	}
	if got := s.GetBackend(); got != BackendRedis {
		t.Errorf("GetBackend() default = %q, want %q", got, BackendRedis)
	}
	if got := s.GetRPCTimeout(); got != 0 {
		t.Errorf("GetRPCTimeout() default = %v, want 0", got)
	}
	if got := s.GetAuditBackend(); got != AuditFile {
		t.Errorf("GetAuditBackend() default = %q, want %q", got, AuditFile)
	}
	if got := filepath.Base(s.GetAuditLog()); got != "audit.log" {
		t.Errorf("GetAuditLog() default base = %q, want audit.log", got)
	}

	s.AuditBackend = AuditBolt
	if got := filepath.Base(s.GetAuditLog()); got != "audit.db" {
		t.Errorf("GetAuditLog() bolt base = %q, want audit.db", got)
	}
}

func TestSettings_Set(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(s *Settings) bool
	}{
		{"spec_dir", "/custom/path", false, func(s *Settings) bool { return s.GetSpecDir() == "/custom/path" }},
		{"backend", "memory", false, func(s *Settings) bool { return s.GetBackend() == BackendMemory }},
		{"backend", "p4runtime", true, nil},
		{"rpc_timeout", "250ms", false, func(s *Settings) bool { return s.GetRPCTimeout() == 250*time.Millisecond }},
		{"rpc_timeout", "soon", true, nil},
		{"rpc_timeout", "-1s", true, nil},
		{"parallelism", "4", false, func(s *Settings) bool { return s.Parallelism == 4 }},
		{"parallelism", "-2", true, nil},
		{"parallelism", "", false, func(s *Settings) bool { return s.Parallelism == 0 }},
		{"election_id", "ctl-a", false, func(s *Settings) bool { return s.ElectionID == "ctl-a" }},
		{"audit_log", "/var/log/newtrule.db", false, func(s *Settings) bool { return s.GetAuditLog() == "/var/log/newtrule.db" }},
		{"audit_backend", "bolt", false, func(s *Settings) bool { return s.GetAuditBackend() == AuditBolt }},
		{"audit_backend", "syslog", true, nil},
		{"default_network", "x", true, nil},
	}
	for _, tt := range tests {
		s := &Settings{Parallelism: 8}
		err := s.Set(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, util.ErrInvalidConfig) {
			t.Errorf("Set(%q, %q) error = %v, want ErrInvalidConfig", tt.key, tt.value, err)
		}
		if tt.check != nil && !tt.check(s) {
			t.Errorf("Set(%q, %q) did not take effect: %+v", tt.key, tt.value, s)
		}
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	if len(keys) != 7 {
		t.Fatalf("Keys() = %v, want 7 keys", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("Keys() not sorted: %v", keys)
		}
	}
	s := &Settings{}
	for _, k := range keys {
		if err := s.Set(k, ""); err != nil {
			t.Errorf("Set(%q, \"\") error = %v, want reset", k, err)
		}
	}
}

func TestSettings_Get(t *testing.T) {
	s := &Settings{}
	for _, k := range Keys() {
		if err := s.Set(k, ""); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
		v, err := s.Get(k)
		if err != nil {
			t.Errorf("Get(%q) error = %v", k, err)
		}
		if v != "" {
			t.Errorf("Get(%q) after reset = %q, want empty", k, v)
		}
	}

	if err := s.Set("parallelism", "6"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("parallelism"); v != "6" {
		t.Errorf("Get(parallelism) = %q, want 6", v)
	}
	if err := s.Set("rpc_timeout", "2s"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("rpc_timeout"); v != "2s" {
		t.Errorf("Get(rpc_timeout) = %q, want 2s", v)
	}

	if _, err := s.Get("network"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("Get(network) error = %v, want ErrInvalidConfig", err)
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{
		SpecDir:     "/path",
		Backend:     BackendMemory,
		Parallelism: 3,
		AuditLog:    "/tmp/a.log",
	}

	s.Clear()

	if *s != (Settings{}) {
		t.Errorf("Clear() should reset all fields, got %+v", s)
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "settings.json")

	original := &Settings{
		SpecDir:      "/etc/newtrule",
		Backend:      BackendMemory,
		RPCTimeout:   "3s",
		Parallelism:  2,
		ElectionID:   "ctl-b",
		AuditBackend: AuditBolt,
	}
	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("LoadFrom() = %+v, want %+v", loaded, original)
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	s, err := LoadFrom("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil {
		t.Fatal("LoadFrom() should return non-nil Settings")
	}
	if *s != (Settings{}) {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidJSON(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "settings.json")
	if err := os.WriteFile(path, []byte("invalid json {"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() with invalid JSON should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "subdir", "nested", "settings.json")

	s := &Settings{Backend: BackendMemory}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestLoadSaveHome(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-home-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	t.Setenv("HOME", tmpDir)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() with non-existent file should not error: %v", err)
	}
	if s.Backend != "" {
		t.Error("Load() with non-existent file should return empty settings")
	}

	s.Backend = BackendMemory
	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	expectedPath := filepath.Join(tmpDir, ".newtrule", "settings.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Save() did not create file at %s", expectedPath)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() after Save() failed: %v", err)
	}
	if loaded.Backend != BackendMemory {
		t.Errorf("After Save(), Backend = %q, want %q", loaded.Backend, BackendMemory)
	}
	if got := filepath.Dir(loaded.GetAuditLog()); got != filepath.Join(tmpDir, ".newtrule") {
		t.Errorf("GetAuditLog() dir = %q, want settings dir", got)
	}
}

func TestDefaultSettingsPath_NoHome(t *testing.T) {
	t.Setenv("HOME", "")

	path := DefaultSettingsPath()
	if path != "newtrule_settings.json" {
		t.Errorf("DefaultSettingsPath() with no HOME = %q, want %q", path, "newtrule_settings.json")
	}
}

func TestLoadFrom_ReadError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dirAsFile := filepath.Join(tmpDir, "settings.json")
	if err := os.Mkdir(dirAsFile, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	if _, err := LoadFrom(dirAsFile); err == nil {
		t.Error("LoadFrom() should error when path is a directory")
	}
}

func TestSaveTo_MkdirError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "newtrule-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	blockingFile := filepath.Join(tmpDir, "blocker")
	if err := os.WriteFile(blockingFile, []byte("blocking"), 0644); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}

	path := filepath.Join(blockingFile, "subdir", "settings.json")
	s := &Settings{Backend: BackendMemory}
	if err := s.SaveTo(path); err == nil {
		t.Error("SaveTo() should fail when directory creation fails")
	}
}
