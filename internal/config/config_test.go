package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir() error = %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.ssh/telepy_service_key", filepath.Join(home, ".ssh/telepy_service_key")},
		{"~", home},
		{"/etc/telepy/key", "/etc/telepy/key"},
		{"relative/key", "relative/key"},
		{"~user/key", "~user/key"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadExpandsServiceKeyPath(t *testing.T) {
	t.Setenv("TELEPY_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if strings.HasPrefix(cfg.ServiceKeyPath, "~") {
		t.Errorf("ServiceKeyPath = %q, want home directory expanded", cfg.ServiceKeyPath)
	}
	if !filepath.IsAbs(cfg.ServiceKeyPath) {
		t.Errorf("ServiceKeyPath = %q, want absolute path", cfg.ServiceKeyPath)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("TELEPY_JWT_SECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() succeeded without jwt_secret")
	}
}

func TestLoadRejectsBadPool(t *testing.T) {
	t.Setenv("TELEPY_JWT_SECRET", "test-secret")
	t.Setenv("TELEPY_PORT_POOL_MIN", "2400")
	t.Setenv("TELEPY_PORT_POOL_MAX", "2300")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() accepted an inverted port pool")
	}
}
