package ptydriver

import "strings"

// stripANSI removes ANSI escape sequences (CSI and OSC forms) so prompt
// matching is resilient to color codes interleaved with prompt text
// (spec §4.1). Adapted from the byte-scanning loop in
// tools/codex-interactive-driver/main.go's stripANSI.
func stripANSI(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == 0x1b && i+1 < len(s) {
			switch s[i+1] {
			case '[':
				i += 2
				for i < len(s) {
					c := s[i]
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						i++
						break
					}
					i++
				}
				continue
			case ']':
				i += 2
				for i < len(s) {
					if s[i] == 0x07 {
						i++
						break
					}
					if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func lastLine(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	parts := strings.Split(text, "\n")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-1])
}

var promptMarkers = []string{"enter passphrase", "confirm passphrase"}

// detectPrompt reports which marker (if any) the cleaned tail of the
// PTY's output currently shows. It scans the whole cleaned buffer
// rather than only the last line, since age's prompt text is not
// always the final emitted line once cursor-control bytes are
// stripped.
func detectPrompt(buf string) (marker string, found bool) {
	cleaned := strings.ToLower(stripANSI(buf))
	for _, m := range promptMarkers {
		if strings.Contains(cleaned, m) {
			return m, true
		}
	}
	return "", false
}

func scrub(text, secret string) string {
	if secret == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, "[REDACTED]")
}
