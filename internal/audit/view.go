package audit

import (
	"strings"

	"tabletop/internal/domain"
)

// maxFreeTextLen caps free-text metadata embedded in exported reports.
const maxFreeTextLen = 500

// secretKeyFragments mark metadata keys that never belong in an export.
var secretKeyFragments = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "private_key", "ssn", "credit_card",
}

// AARView returns a copy of the trail safe to embed in an exported
// report: secret and PII-shaped metadata keys are stripped and long
// free-text fields truncated. The stored ledger itself is untouched.
func AARView(trail []domain.AuditEvent) []domain.AuditEvent {
	out := make([]domain.AuditEvent, len(trail))
	for i, e := range trail {
		clean := e
		clean.Metadata = sanitizeMetadata(e.Metadata)
		out[i] = clean
	}
	return out
}

func sanitizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if secretShaped(k) {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Truncate(s, maxFreeTextLen)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizeMetadata(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func secretShaped(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most max runes, marking the cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…[truncated]"
}
