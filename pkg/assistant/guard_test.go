package assistant

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testRules = `{
	"destructive_patterns": [
		{"pattern": "\\brm\\s+-[a-zA-Z]*f", "reason": "force-removes files"},
		{"pattern": "\\bgit\\s+push\\s+.*--force", "reason": "force push rewrites history"}
	],
	"blocked_commands": ["mkfs.ext4"]
}`

func TestGuardClassify(t *testing.T) {
	guard := NewCommandGuard(writeRules(t, testRules), false, testLogger())

	tests := []struct {
		name    string
		command string
		want    GuardDecision
	}{
		{"simple safe", "ls -la", DecisionSafe},
		{"empty", "", DecisionBlocked},
		{"whitespace only", "   ", DecisionBlocked},
		{"blocked builtin first token", "shutdown -h now", DecisionBlocked},
		{"blocked from rule file", "mkfs.ext4 /dev/sda1", DecisionBlocked},
		{"blocked via full path", "/sbin/reboot", DecisionBlocked},
		{"blocked case insensitive", "REBOOT", DecisionBlocked},
		{"destructive pattern", "rm -rf ./build", DecisionNeedsConfirmation},
		{"force push", "git push origin main --force", DecisionNeedsConfirmation},
		{"destructive hidden in chain", "echo ok && rm -rf /tmp/x", DecisionNeedsConfirmation},
		{"blocked hidden in chain", "ls; poweroff", DecisionBlocked},
		{"blocked after pipe", "cat list | halt", DecisionBlocked},
		{"env prefix ignored", "FOO=bar reboot", DecisionBlocked},
		{"blocked beats confirmation in chain", "rm -rf x && shutdown now", DecisionBlocked},
		{"plain rm without force", "rm file.txt", DecisionSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := guard.Classify(tt.command)
			if got != tt.want {
				t.Errorf("Classify(%q) = %s (%s), want %s", tt.command, got, reason, tt.want)
			}
			if got != DecisionSafe && reason == "" {
				t.Errorf("Classify(%q) gave no reason", tt.command)
			}
		})
	}
}

func TestGuardRestrictedMode(t *testing.T) {
	rules := writeRules(t, testRules)

	relaxed := NewCommandGuard(rules, false, testLogger())
	restricted := NewCommandGuard(rules, true, testLogger())

	tests := []struct {
		name           string
		command        string
		wantRestricted GuardDecision
	}{
		{"redirect to etc", "echo x > /etc/motd", DecisionNeedsConfirmation},
		{"tee to usr", "echo y | tee /usr/local/bin/x", DecisionNeedsConfirmation},
		{"cp into etc", "cp conf /etc/nginx/nginx.conf", DecisionNeedsConfirmation},
		{"rm in home", "rm -x /home/user/file", DecisionNeedsConfirmation},
		{"local redirect stays safe", "echo x > out.txt", DecisionSafe},
		{"tmp redirect stays safe", "echo x > /tmp/scratch", DecisionSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := relaxed.Classify(tt.command); got != DecisionSafe {
				t.Errorf("development mode: Classify(%q) = %s, want safe", tt.command, got)
			}
			if got, reason := restricted.Classify(tt.command); got != tt.wantRestricted {
				t.Errorf("restricted mode: Classify(%q) = %s (%s), want %s", tt.command, got, reason, tt.wantRestricted)
			}
		})
	}
}

func TestGuardRuleFileFallback(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		guard := NewCommandGuard(filepath.Join(t.TempDir(), "nope.json"), false, testLogger())
		if got, _ := guard.Classify("rm -rf /tmp/x"); got != DecisionSafe {
			t.Errorf("with no rule file, destructive patterns must be empty; got %s", got)
		}
		// Built-in blocked commands survive the fallback.
		if got, _ := guard.Classify("reboot"); got != DecisionBlocked {
			t.Errorf("built-in blocked set must survive missing rule file; got %s", got)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		guard := NewCommandGuard(writeRules(t, "{not json"), false, testLogger())
		if got, _ := guard.Classify("rm -rf /tmp/x"); got != DecisionSafe {
			t.Errorf("malformed rule file must fall back to empty patterns; got %s", got)
		}
	})

	t.Run("invalid regex skipped", func(t *testing.T) {
		guard := NewCommandGuard(writeRules(t, `{
			"destructive_patterns": [
				{"pattern": "([", "reason": "broken"},
				{"pattern": "\\bdd\\s+.*of=/dev/", "reason": "writes to raw device"}
			]
		}`), false, testLogger())
		if got, _ := guard.Classify("dd if=/dev/zero of=/dev/sda"); got != DecisionNeedsConfirmation {
			t.Errorf("valid pattern after invalid one must still apply; got %s", got)
		}
	})
}
