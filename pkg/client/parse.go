package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/saliency-explainer/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// fallback builds the narration returned when a reply cannot be decoded
func fallback(summary string, tags ...string) *types.Narration {
	return &types.Narration{
		Summary: summary,
		Focus:   []types.Focus{},
		Tags:    append(tags, "fallback"),
	}
}

// ParseNarration decodes a model reply into a narration. Replies that are
// not JSON produce a fallback narration tagged "fallback".
func ParseNarration(raw string) *types.Narration {
	raw = SanitizeJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return fallback("Model returned non-JSON response", "non-json")
	}

	var n types.Narration
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return fallback("Failed to parse model response", "parse-error")
	}
	if n.Focus == nil {
		n.Focus = []types.Focus{}
	}
	return &n
}

// SanitizeJSON removes code fences, comments and trailing commas, and keeps
// only the outermost object of a model reply
func SanitizeJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
