package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# DittoDAV Configuration File",
		"logging:",
		"admission:",
		"router:",
		"cache:",
		"pool:",
		"locks:",
		"backend:",
		"adapters:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfigToPath_ForceOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dittodav.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte("# Modified"), 0644); err != nil {
		t.Fatalf("Failed to create existing file: %v", err)
	}

	if err := InitConfigToPath(configPath, true); err != nil {
		t.Fatalf("Force InitConfigToPath failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.HasPrefix(string(content), "# DittoDAV Configuration File") {
		t.Error("Config file was not properly overwritten")
	}
}

func TestInitConfig_RoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}

	def := GetDefaultConfig()
	if cfg.Admission != def.Admission {
		t.Errorf("Admission section changed in round trip:\n got %+v\nwant %+v", cfg.Admission, def.Admission)
	}
	if cfg.Cache != def.Cache {
		t.Errorf("Cache section changed in round trip:\n got %+v\nwant %+v", cfg.Cache, def.Cache)
	}
	if cfg.Pool != def.Pool {
		t.Errorf("Pool section changed in round trip:\n got %+v\nwant %+v", cfg.Pool, def.Pool)
	}
	if cfg.Adapters.DAV != def.Adapters.DAV {
		t.Errorf("DAV section changed in round trip:\n got %+v\nwant %+v", cfg.Adapters.DAV, def.Adapters.DAV)
	}
}

func TestMarshal_DurationsAreStrings(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Admission.RequestTimeout = 1500 * time.Millisecond

	data, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "request_timeout: 1.5s") {
		t.Errorf("Expected request_timeout rendered as 1.5s, got:\n%s", data)
	}
}
