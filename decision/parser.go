package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse splits the model output on the DECISIONS keyword, recovers
// the reasoning block, and decodes the decisions object. The raw text is
// preserved in the reasoning on failure so the cycle record keeps it.
func ParseResponse(raw string) (*Response, error) {
	thoughts := "No thoughts."
	jsonPart := raw

	parts := strings.SplitN(raw, "DECISIONS", 2)
	if len(parts) == 2 {
		t := strings.TrimSpace(strings.ReplaceAll(parts[0], "CHAIN_OF_THOUGHTS", ""))
		if t != "" {
			thoughts = t
		}
		jsonPart = parts[1]
	} else {
		thoughts = "Keywords missing."
	}

	jsonStr, err := extractObject(jsonPart)
	if err != nil {
		return &Response{
			ChainOfThoughts: fmt.Sprintf("Parse error: %v\nRaw:\n%s", err, raw),
			Decisions:       map[string]Decision{},
		}, fmt.Errorf("failed to extract decisions: %w", err)
	}

	var decisions map[string]Decision
	if err := json.Unmarshal([]byte(jsonStr), &decisions); err != nil {
		return &Response{
			ChainOfThoughts: fmt.Sprintf("JSON error: %v\nRaw:\n%s", err, raw),
			Decisions:       map[string]Decision{},
		}, fmt.Errorf("failed to decode decisions: %w", err)
	}

	return &Response{ChainOfThoughts: thoughts, Decisions: decisions}, nil
}

// extractObject finds the outermost {...} block and normalizes punctuation
// the model sometimes mangles.
func extractObject(s string) (string, error) {
	s = normalizeQuotes(strings.TrimSpace(s))

	// Strip markdown fences if present.
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = strings.ReplaceAll(s, "```json", "")
		s = strings.ReplaceAll(s, "```", "")
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found")
	}
	return s[start : end+1], nil
}

// normalizeQuotes fixes curly quotes and full-width punctuation that break
// json.Unmarshal.
func normalizeQuotes(s string) string {
	replacements := []struct{ from, to string }{
		{"“", "\""}, {"”", "\""},
		{"‘", "'"}, {"’", "'"},
		{"［", "["}, {"］", "]"},
		{"｛", "{"}, {"｝", "}"},
		{"：", ":"}, {"，", ","},
		{"【", "["}, {"】", "]"},
		{"　", " "},
	}
	for _, r := range replacements {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	return s
}

// SafeHoldResponse builds an all-hold decisions payload in the model's output
// format, so fallback responses flow through the normal parse path.
func SafeHoldResponse(coins []string, reason string) string {
	decisions := make(map[string]Decision, len(coins))
	for _, coin := range coins {
		decisions[coin] = Decision{Signal: SignalHold, Justification: reason}
	}
	body, _ := json.MarshalIndent(decisions, "", "  ")
	return fmt.Sprintf("CHAIN_OF_THOUGHTS\n%s\nDECISIONS\n%s\n", reason, body)
}

// ReplayResponse renders a cached decisions map back into the model's output
// format for the fallback ladder.
func ReplayResponse(decisions map[string]Decision) string {
	body, _ := json.MarshalIndent(decisions, "", "  ")
	return fmt.Sprintf("CHAIN_OF_THOUGHTS\nAPI error - replaying decisions from the most recent successful cycle.\nDECISIONS\n%s\n", body)
}
