// Package assistant – guard.go classifies shell commands before the host
// executor is allowed to run them.
//
// The decision ladder is: blocked (never runs), needs_confirmation (runs only
// after explicit approval), safe (runs directly). Destructive patterns come
// from an external JSON rule file; blocked command names have built-in
// defaults that the file can extend.
package assistant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// GuardDecision is the outcome of classifying a command.
type GuardDecision string

const (
	DecisionSafe              GuardDecision = "safe"
	DecisionBlocked           GuardDecision = "blocked"
	DecisionNeedsConfirmation GuardDecision = "needs_confirmation"
)

// GuardRule pairs a regex with the reason shown when it matches.
type GuardRule struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// GuardRuleFile is the on-disk rule format.
type GuardRuleFile struct {
	DestructivePatterns []GuardRule `json:"destructive_patterns"`
	BlockedCommands     []string    `json:"blocked_commands"`
}

// defaultBlockedCommands are command names that never run through the
// assistant, matched against the first token of each chain link.
var defaultBlockedCommands = []string{
	"shutdown", "reboot", "poweroff", "halt",
	"mkfs", "fdisk", "parted",
	"useradd", "userdel", "groupdel", "passwd",
	"init", "telinit",
}

// restrictedPatterns flag writes that land outside the workspace. Active only
// in restricted (production) mode; matches need confirmation, they are not
// hard blocks.
var restrictedPatterns = []GuardRule{
	{Pattern: `(^|[^>])>>?\s*/(etc|usr|var|boot|opt|root|home|bin|sbin|lib)\b`, Reason: "redirects output outside the workspace"},
	{Pattern: `\btee\s+(-a\s+)?/(etc|usr|var|boot|opt|root|home|bin|sbin|lib)\b`, Reason: "tees output outside the workspace"},
	{Pattern: `\b(cp|mv|rsync)\b.*\s/(?:etc|usr|var|boot|opt|root)\b`, Reason: "copies into a system directory"},
	{Pattern: `\brm\s+(-[a-zA-Z]+\s+)*/(?:etc|usr|var|boot|opt|root|home)\b`, Reason: "removes files outside the workspace"},
	{Pattern: `\bchmod\b.*\s/(?:etc|usr|var|boot)\b`, Reason: "changes permissions outside the workspace"},
	{Pattern: `\bln\s+(-[a-zA-Z]+\s+)*.*\s/(?:etc|usr|bin|sbin)\b`, Reason: "links into a system directory"},
}

type compiledRule struct {
	re     *regexp.Regexp
	reason string
}

// CommandGuard classifies commands for the host executor.
type CommandGuard struct {
	blocked     map[string]bool
	destructive []compiledRule
	restricted  []compiledRule
	restrictedOn bool
	logger      *slog.Logger
}

// NewCommandGuard builds a guard from the rule file at rulesPath. A missing
// or malformed file is logged and leaves the destructive-pattern list empty.
// When restricted is true the write-outside-workspace patterns are active.
func NewCommandGuard(rulesPath string, restricted bool, logger *slog.Logger) *CommandGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &CommandGuard{
		blocked:      make(map[string]bool),
		restrictedOn: restricted,
		logger:       logger.With("component", "command_guard"),
	}

	for _, name := range defaultBlockedCommands {
		g.blocked[name] = true
	}

	rules := loadGuardRules(rulesPath, g.logger)
	for _, name := range rules.BlockedCommands {
		g.blocked[strings.ToLower(strings.TrimSpace(name))] = true
	}
	g.destructive = compileRules(rules.DestructivePatterns, g.logger)
	if restricted {
		g.restricted = compileRules(restrictedPatterns, g.logger)
	}

	g.logger.Info("command guard ready",
		"blocked_commands", len(g.blocked),
		"destructive_patterns", len(g.destructive),
		"restricted", restricted,
	)
	return g
}

// loadGuardRules reads the JSON rule file. Any failure falls back to an
// empty rule set; the guard must never refuse to start over a bad file.
func loadGuardRules(path string, logger *slog.Logger) GuardRuleFile {
	var rules GuardRuleFile
	if path == "" {
		return rules
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read guard rules, using empty set", "path", path, "error", err)
		}
		return GuardRuleFile{}
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		logger.Warn("malformed guard rules, using empty set", "path", path, "error", err)
		return GuardRuleFile{}
	}
	return rules
}

func compileRules(rules []GuardRule, logger *slog.Logger) []compiledRule {
	var out []compiledRule
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			logger.Warn("skipping invalid guard pattern", "pattern", r.Pattern, "error", err)
			continue
		}
		out = append(out, compiledRule{re: re, reason: r.Reason})
	}
	return out
}

// Classify decides how the executor may treat a command. Chained commands
// (&&, ;, |, ||) are split and every link is classified; the most severe
// decision wins.
func (g *CommandGuard) Classify(command string) (GuardDecision, string) {
	if strings.TrimSpace(command) == "" {
		return DecisionBlocked, "empty command"
	}

	decision, reason := DecisionSafe, ""
	for _, link := range splitChain(command) {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		d, r := g.classifyOne(link)
		if severity(d) > severity(decision) {
			decision, reason = d, r
		}
		if decision == DecisionBlocked {
			break
		}
	}
	return decision, reason
}

func (g *CommandGuard) classifyOne(link string) (GuardDecision, string) {
	if name := firstToken(link); name != "" && g.blocked[name] {
		return DecisionBlocked, fmt.Sprintf("'%s' is a blocked command", name)
	}

	for _, rule := range g.destructive {
		if rule.re.MatchString(link) {
			reason := rule.reason
			if reason == "" {
				reason = "matches destructive pattern " + rule.re.String()
			}
			return DecisionNeedsConfirmation, reason
		}
	}

	if g.restrictedOn {
		for _, rule := range g.restricted {
			if rule.re.MatchString(link) {
				return DecisionNeedsConfirmation, rule.reason
			}
		}
	}

	return DecisionSafe, ""
}

func severity(d GuardDecision) int {
	switch d {
	case DecisionBlocked:
		return 2
	case DecisionNeedsConfirmation:
		return 1
	default:
		return 0
	}
}

// firstToken returns the command name of a chain link: leading VAR=val
// assignments skipped, path stripped, lowercased.
func firstToken(link string) string {
	fields := strings.Fields(link)
	for _, f := range fields {
		if idx := strings.IndexByte(f, '='); idx > 0 && !strings.ContainsAny(f[:idx], "/$") {
			continue // env assignment prefix
		}
		return strings.ToLower(filepath.Base(f))
	}
	return ""
}

// splitChain splits a command on &&, ||, ; and | outside of quotes. Each
// piece is classified independently so `ls && rm -rf /` cannot hide the rm.
func splitChain(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]

		if inQuote != 0 {
			current.WriteByte(ch)
			if ch == inQuote && (i == 0 || cmd[i-1] != '\\') {
				inQuote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			inQuote = ch
			current.WriteByte(ch)
			continue
		}

		if i < len(cmd)-1 && ((ch == '&' && cmd[i+1] == '&') || (ch == '|' && cmd[i+1] == '|')) {
			parts = append(parts, current.String())
			current.Reset()
			i++
			continue
		}
		if ch == ';' || ch == '|' {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
