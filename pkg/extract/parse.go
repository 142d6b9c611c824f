package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CleanJSON strips the decoration models wrap around JSON output:
// markdown code fences and any prose outside the outermost braces.
func CleanJSON(content string) string {
	cleaned := strings.TrimSpace(content)

	if idx := strings.Index(cleaned, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(cleaned[start:], "```"); end >= 0 {
			cleaned = strings.TrimSpace(cleaned[start : start+end])
		}
	} else if idx := strings.Index(cleaned, "```"); idx >= 0 {
		start := idx + len("```")
		if end := strings.Index(cleaned[start:], "```"); end >= 0 {
			cleaned = strings.TrimSpace(cleaned[start : start+end])
		}
	}

	first := strings.Index(cleaned, "{")
	last := strings.LastIndex(cleaned, "}")
	if first >= 0 && last > first {
		cleaned = cleaned[first : last+1]
	}
	return cleaned
}

func parseExtraction(content string) (*extractionPayload, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty extraction response")
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(CleanJSON(content)), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	return &payload, nil
}
