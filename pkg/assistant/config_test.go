package assistant

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buddy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Mode != ModeDevelopment {
			t.Errorf("mode = %q", cfg.Mode)
		}
		if cfg.Exec.TimeoutSeconds != 120 {
			t.Errorf("timeout = %d", cfg.Exec.TimeoutSeconds)
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, "mode: production\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Mode != ModeProduction {
			t.Errorf("mode = %q", cfg.Mode)
		}
		if !cfg.Restricted() {
			t.Error("production mode must be restricted")
		}
		if cfg.Session.ContextTokenBudget != 60_000 {
			t.Errorf("budget default lost: %d", cfg.Session.ContextTokenBudget)
		}
	})
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("BUDDY_TEST_DIR", "/srv/buddy")

	cfg, err := LoadConfig(writeConfig(t, `
data_dir: ${BUDDY_TEST_DIR}
workspace: ${BUDDY_TEST_MISSING:-/tmp/ws}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/buddy" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("workspace default = %q", cfg.Workspace)
	}

	t.Run("required missing fails", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "data_dir: ${BUDDY_TEST_REQUIRED:?must be set}\n"))
		if err == nil {
			t.Error("missing required variable accepted")
		}
	})
}

func TestLoadConfigInvalidMode(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "mode: staging\n")); err == nil {
		t.Error("invalid mode accepted")
	}
}
