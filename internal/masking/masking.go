// Package masking implements sensitive-field detection and rewriting.
//
// Masking runs after validation and before WAL persistence so that no
// sensitive value is ever written to disk. Key matching combines a global
// baseline set, per-tenant additions, and a fixed heuristic substring list;
// matched values are rewritten either fully or partially (keep_prefix,
// keep_suffix, mask_email) according to configured partial rules.
package masking

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/DonTee-Why/logstack/internal/config"
)

const masked = "****"

// heuristicSubstrings flags keys that commonly carry sensitive values even
// when no explicit rule names them. The list intentionally includes broad
// matches like "key"; operators opt out via configuration, not by weakening
// the default.
var heuristicSubstrings = []string{
	"card", "credit", "ssn", "social", "phone", "email",
	"pass", "pwd", "key", "token", "auth", "secret",
	"private", "confidential", "sensitive",
}

// Engine applies masking rules to decoded log entries.
// Safe for concurrent use; all rule state is read-only after construction.
type Engine struct {
	baseline     map[string]bool // lowercased exact-match keys
	partialRules map[string]config.PartialRule
	overrides    map[string][]string // tenant token -> extra keys
	logger       *slog.Logger
}

// New creates an Engine from masking configuration.
func New(cfg config.MaskingConfig, logger *slog.Logger) *Engine {
	baseline := make(map[string]bool, len(cfg.BaselineKeys))
	for _, k := range cfg.BaselineKeys {
		baseline[strings.ToLower(k)] = true
	}
	rules := make(map[string]config.PartialRule, len(cfg.PartialRules))
	for k, r := range cfg.PartialRules {
		rules[strings.ToLower(k)] = r
	}
	return &Engine{
		baseline:     baseline,
		partialRules: rules,
		overrides:    cfg.TenantOverrides,
		logger:       logger,
	}
}

// MaskEntries masks a slice of decoded entries for the given tenant token.
// The input is never mutated. A failure masking one entry replaces that
// entry with a redaction stub; it never fails the batch.
func (e *Engine) MaskEntries(entries []map[string]any, token string) []map[string]any {
	keys := e.maskKeys(token)

	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		masked, err := e.maskEntry(entry, keys)
		if err != nil {
			e.logger.Error("masking failed, redacting entry",
				"token", tokenPreview(token), "error", err)
			names := make([]string, 0, len(entry))
			for k := range entry {
				names = append(names, k)
			}
			out = append(out, map[string]any{
				"error":         "masking_failed",
				"original_keys": names,
			})
			continue
		}
		out = append(out, masked)
	}
	return out
}

// Mask masks a single decoded entry. The returned map is a deep copy.
func (e *Engine) Mask(entry map[string]any, token string) (map[string]any, error) {
	return e.maskEntry(entry, e.maskKeys(token))
}

// maskKeys returns the union of baseline keys and tenant overrides, lowercased.
func (e *Engine) maskKeys(token string) map[string]bool {
	extra := e.overrides[token]
	if len(extra) == 0 {
		return e.baseline
	}
	keys := make(map[string]bool, len(e.baseline)+len(extra))
	for k := range e.baseline {
		keys[k] = true
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = true
	}
	return keys
}

func (e *Engine) maskEntry(entry map[string]any, keys map[string]bool) (result map[string]any, err error) {
	// Masking traverses caller-supplied nested data; a panic on a pathological
	// value must redact that one entry, not take down the batch.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("masking: panic traversing entry: %v", r)
		}
	}()

	masked := e.maskValue(entry, keys)
	m, ok := masked.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("masking: entry is not an object")
	}
	return m, nil
}

// maskValue deep-copies obj, rewriting values whose keys are sensitive.
func (e *Engine) maskValue(obj any, keys map[string]bool) any {
	switch t := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			if e.isSensitive(k, keys) {
				out[k] = e.rewrite(k, v)
			} else {
				out[k] = e.maskValue(v, keys)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = e.maskValue(v, keys)
		}
		return out
	default:
		return obj
	}
}

// isSensitive reports whether key matches a configured rule key (exact or
// substring, case-insensitive) or a heuristic substring.
func (e *Engine) isSensitive(key string, keys map[string]bool) bool {
	lower := strings.ToLower(key)
	if keys[lower] {
		return true
	}
	for k := range keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	for _, s := range heuristicSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// rewrite produces the masked replacement for a sensitive value.
// Partial rules are checked by exact key match first, then substring match;
// with no matching rule the value is fully masked.
func (e *Engine) rewrite(key string, value any) string {
	str := stringify(value)
	lower := strings.ToLower(key)

	if rule, ok := e.partialRules[lower]; ok {
		return applyPartial(str, rule)
	}
	for ruleKey, rule := range e.partialRules {
		if strings.Contains(lower, ruleKey) {
			return applyPartial(str, rule)
		}
	}
	return fullMask(str)
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func applyPartial(value string, rule config.PartialRule) string {
	if value == "" {
		return masked
	}
	if rule.MaskEmail {
		return maskEmail(value)
	}
	if rule.KeepPrefix > 0 {
		if len(value) <= rule.KeepPrefix {
			return masked
		}
		return value[:rule.KeepPrefix] + masked
	}
	if rule.KeepSuffix > 0 {
		if len(value) <= rule.KeepSuffix {
			return masked
		}
		return masked + value[len(value)-rule.KeepSuffix:]
	}
	return fullMask(value)
}

func fullMask(value string) string {
	if len(value) <= 16 {
		return masked
	}
	return fmt.Sprintf("****[%d chars]", len(value))
}

// maskEmail turns "example@email.com" into "e*****e@email.com". The star run
// is capped at 5 so the output does not leak the local-part length.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return masked
	}
	if len(local) <= 2 {
		return masked + "@" + domain
	}
	stars := len(local) - 2
	if stars > 5 {
		stars = 5
	}
	return local[:1] + strings.Repeat("*", stars) + local[len(local)-1:] + "@" + domain
}

func tokenPreview(token string) string {
	if len(token) < 8 {
		return "invalid"
	}
	return token[:8] + "..."
}
