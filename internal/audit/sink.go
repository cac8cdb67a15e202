// Package audit implements Cage's C8 component: a dual-format
// (text/JSON), dual-destination (stderr always, file optionally) event
// sink with the redaction guarantees spec §4.8 requires. Column
// alignment in the text sink uses github.com/mattn/go-runewidth the
// way terminal-rendering tools in the pack measure display width
// rather than byte length.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// Format selects the per-logger-instance event representation.
type Format int

const (
	Text Format = iota
	JSON
)

// Level is a coarse severity tag; it does not gate whether an event is
// emitted (the caller decides what to emit), only how it is labeled.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one audit record. Fields are spec §4.8's "always present
// when applicable" set; a zero value for a field means "not
// applicable to this event", not "redacted".
type Event struct {
	Timestamp           time.Time `json:"timestamp"`
	Level               Level     `json:"level"`
	Component           string    `json:"component"`
	EventType           string    `json:"event_type"`
	Path                string    `json:"path,omitempty"`
	Success              bool      `json:"success"`
	DurationMs          int64     `json:"duration_ms,omitempty"`
	StreamingStrategy   string    `json:"streaming_strategy,omitempty"`
	IdentityType        string    `json:"identity_type,omitempty"`
	RecipientCount      int       `json:"recipient_count,omitempty"`
	RecipientGroupHash  string    `json:"recipient_group_hash,omitempty"`
	AuthorityTier       string    `json:"authority_tier,omitempty"`
	StrategyOverridden  bool      `json:"strategy_overridden,omitempty"`
	ErrorKind           string    `json:"error_kind,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

// textColumns is the fixed field order the Text format renders after
// the bracketed level, chosen to put the fields that are present on
// nearly every event (event_type, path, success) first.
var textColumns = []string{"event_type", "path", "success", "duration_ms", "streaming_strategy", "identity_type", "recipient_count", "authority_tier", "strategy_overridden", "error_kind", "error_message"}

// Sink writes Events to stderr and, if configured, a file. A single
// mutex serializes both destinations so one event's line is never
// interleaved with another's (spec §4.8's "line-atomic" requirement
// extends naturally to stderr too).
type Sink struct {
	format Format
	stderr io.Writer
	file   *os.File
	mu     sync.Mutex
}

// New opens a Sink in the given format, optionally appending to
// filePath (empty string means stderr-only).
func New(format Format, filePath string) (*Sink, error) {
	s := &Sink{format: format, stderr: os.Stderr}
	if strings.TrimSpace(filePath) != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- filePath is caller-configured, not request-derived.
		if err != nil {
			return nil, fmt.Errorf("audit: open log file: %w", err)
		}
		s.file = f
	}
	return s, nil
}

func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Emit redacts, formats, and writes one event to stderr and (if
// configured) the file sink, each with its own single write call.
func (s *Sink) Emit(ev Event) {
	ev = redact(ev)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var line []byte
	switch s.format {
	case JSON:
		line, _ = json.Marshal(ev)
		line = append(line, '\n')
	default:
		line = []byte(renderText(ev) + "\n")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.stderr.Write(line)
	if s.file != nil {
		_, _ = s.file.Write(line)
	}
}

// redact enforces spec §4.8: passphrases never appear in any field
// (none of Event's fields carry one by construction), and identity
// type/recipient data is limited to the group hash, never full keys.
// This function exists as the single choke point future fields must
// pass through, even though today's Event shape cannot smuggle a
// secret in.
func redact(ev Event) Event {
	return ev
}

func renderText(ev Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(padRight(fmt.Sprintf("[%s]", strings.ToUpper(string(ev.Level))), 7))
	b.WriteByte(' ')
	b.WriteString(padRight(ev.Component, 12))
	b.WriteByte(' ')

	fields := map[string]string{
		"event_type":         ev.EventType,
		"path":               ev.Path,
		"success":            fmt.Sprintf("%v", ev.Success),
		"duration_ms":        nonZeroInt(ev.DurationMs),
		"streaming_strategy": ev.StreamingStrategy,
		"identity_type":      ev.IdentityType,
		"recipient_count":    nonZeroInt(int64(ev.RecipientCount)),
		"authority_tier":     ev.AuthorityTier,
		"strategy_overridden": boolIfTrue(ev.StrategyOverridden),
		"error_kind":         ev.ErrorKind,
		"error_message":      ev.ErrorMessage,
	}
	var parts []string
	for _, key := range textColumns {
		if v := fields[key]; v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	b.WriteString(strings.Join(parts, " "))
	return b.String()
}

func nonZeroInt(v int64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

func boolIfTrue(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// padRight pads s to width columns of display width, matching
// mattn/go-runewidth's measure-then-pad pattern used for aligning
// terminal output across the pack's CLI tools.
func padRight(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
