package agent

import (
	"regexp"
	"strings"
)

// TokenPrefix is prepended to extracted troubleshooting identifiers that
// lack it.
const TokenPrefix = "Troubleshoot_"

// unsafeTokenChars matches any run of characters outside the safe token set.
var unsafeTokenChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// ExtractRunbookToken derives a runbook identifier from a free-form agent
// reply. It takes the first line, keeps the part before the first dash or
// en-dash, collapses anything outside [A-Za-z0-9_] to an underscore, and adds
// the Troubleshoot_ prefix when missing. Returns "" for an empty reply.
//
// The heuristic is intentionally contained here: replies are free text and
// the format can drift, so orchestration code never parses them directly.
func ExtractRunbookToken(reply string) string {
	line := strings.TrimSpace(reply)
	if line == "" {
		return ""
	}

	// First line only. Later lines are explanation for the human approver.
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	// Keep the identifier part before a dash or en-dash separator.
	if idx := strings.IndexAny(line, "-–"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	// Normalize to the safe token set.
	token := unsafeTokenChars.ReplaceAllString(line, "_")
	token = strings.Trim(token, "_")
	if token == "" {
		return ""
	}

	if !strings.HasPrefix(strings.ToLower(token), strings.ToLower(TokenPrefix)) {
		token = TokenPrefix + token
	}

	return token
}
