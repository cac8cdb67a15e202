package request

import (
	"fmt"
	"strings"

	"github.com/padlokk/cage/internal/strategy"
)

// OutputFormat selects age's -a (ASCII armor) flag.
type OutputFormat int

const (
	Binary OutputFormat = iota
	AsciiArmor
)

// Kind is the request's operation kind (spec §3).
type Kind int

const (
	Lock Kind = iota
	Unlock
	Rotate
	Verify
	Status
	Batch
	Stream
)

func (k Kind) String() string {
	switch k {
	case Lock:
		return "lock"
	case Unlock:
		return "unlock"
	case Rotate:
		return "rotate"
	case Verify:
		return "verify"
	case Status:
		return "status"
	case Batch:
		return "batch"
	case Stream:
		return "stream"
	default:
		return "unknown"
	}
}

// Request is the immutable, validated descriptor the Engine executes.
// Build it through Builder; do not construct directly outside this
// package so that Validate always runs before a Request exists.
type Request struct {
	kind Kind

	inputPaths  []string
	outputPaths []string

	identity      Identity
	oldIdentity   Identity // Rotate only
	recipients    []Recipient
	recipientGrp  *RecipientGroup
	format        OutputFormat
	inPlace       bool
	backupOptIn   bool
	strategyOvr   strategy.Strategy
	auditLogPath  string
	dangerMode    bool
	iAmSure       bool
	retentionName string
	checkpointDir string
}

func (r Request) Kind() Kind                      { return r.kind }
func (r Request) InputPaths() []string             { return append([]string(nil), r.inputPaths...) }
func (r Request) OutputPaths() []string            { return append([]string(nil), r.outputPaths...) }
func (r Request) Identity() Identity                { return r.identity }
func (r Request) OldIdentity() Identity              { return r.oldIdentity }
func (r Request) Recipients() []Recipient           { return append([]Recipient(nil), r.recipients...) }
func (r Request) RecipientGroup() *RecipientGroup   { return r.recipientGrp }
func (r Request) Format() OutputFormat               { return r.format }
func (r Request) InPlace() bool                      { return r.inPlace }
func (r Request) BackupOptIn() bool                  { return r.backupOptIn }
func (r Request) StrategyOverride() strategy.Strategy { return r.strategyOvr }
func (r Request) AuditLogPath() string               { return r.auditLogPath }
func (r Request) DangerMode() bool                   { return r.dangerMode }
func (r Request) IAmSure() bool                      { return r.iAmSure }
func (r Request) CheckpointDir() string              { return r.checkpointDir }

// AllRecipients flattens the explicit recipient list and the named
// group (if any) into one ordered, deduplicated-by-value slice for the
// adapter's argv construction.
func (r Request) AllRecipients() []Recipient {
	all := append([]Recipient{}, r.recipients...)
	if r.recipientGrp != nil {
		all = append(all, r.recipientGrp.Recipients...)
	}
	out := make([]Recipient, 0, len(all))
	seen := map[Recipient]bool{}
	for _, rc := range all {
		if !seen[rc] {
			seen[rc] = true
			out = append(out, rc)
		}
	}
	return out
}

// Builder assembles a Request. Validation runs once, at Build, the
// same "parse then validate once" discipline the pack's flag-based
// commands use (fs.Parse followed by a single post-parse check).
type Builder struct {
	req Request
}

func NewBuilder(kind Kind) *Builder {
	return &Builder{req: Request{kind: kind}}
}

func (b *Builder) Input(paths ...string) *Builder {
	b.req.inputPaths = append(b.req.inputPaths, paths...)
	return b
}

func (b *Builder) Output(paths ...string) *Builder {
	b.req.outputPaths = append(b.req.outputPaths, paths...)
	return b
}

func (b *Builder) WithIdentity(id Identity) *Builder {
	b.req.identity = id
	return b
}

func (b *Builder) WithOldIdentity(id Identity) *Builder {
	b.req.oldIdentity = id
	return b
}

func (b *Builder) WithRecipients(rs ...Recipient) *Builder {
	b.req.recipients = append(b.req.recipients, rs...)
	return b
}

func (b *Builder) WithRecipientGroup(g *RecipientGroup) *Builder {
	b.req.recipientGrp = g
	return b
}

func (b *Builder) WithFormat(f OutputFormat) *Builder {
	b.req.format = f
	return b
}

func (b *Builder) InPlace(v bool) *Builder {
	b.req.inPlace = v
	return b
}

func (b *Builder) WithBackup(v bool) *Builder {
	b.req.backupOptIn = v
	return b
}

func (b *Builder) WithStrategyOverride(s strategy.Strategy) *Builder {
	b.req.strategyOvr = s
	return b
}

func (b *Builder) WithAuditLog(path string) *Builder {
	b.req.auditLogPath = strings.TrimSpace(path)
	return b
}

func (b *Builder) WithDangerMode(v bool) *Builder {
	b.req.dangerMode = v
	return b
}

func (b *Builder) WithIAmSure(v bool) *Builder {
	b.req.iAmSure = v
	return b
}

func (b *Builder) WithRetentionPolicy(name string) *Builder {
	b.req.retentionName = strings.TrimSpace(name)
	return b
}

// WithCheckpointDir opts a streaming request into chunked resume
// (spec §4.4): a non-empty dir makes ExecuteStream persist a
// per-request checkpoint after each chunk so a later retry with the
// same request can pick up where it left off instead of restarting.
// Only streams staged through a temp file are checkpointed; streams
// routed through a plain pipe ignore the setting.
func (b *Builder) WithCheckpointDir(dir string) *Builder {
	b.req.checkpointDir = strings.TrimSpace(dir)
	return b
}

// Build validates cross-field consistency and returns the immutable
// Request. This is the single validation boundary spec §4.7 requires.
func (b *Builder) Build() (Request, error) {
	r := b.req

	if len(r.inputPaths) == 0 {
		return Request{}, fmt.Errorf("%s request: at least one input path required", r.kind)
	}

	switch r.kind {
	case Lock:
		hasRecipients := len(r.recipients) > 0 || r.recipientGrp != nil
		hasPassphrase := r.identity.Kind == IdentityPassphrase || r.identity.Kind == IdentityPromptPassphrase
		if !hasRecipients && !hasPassphrase {
			return Request{}, fmt.Errorf("lock request: at least one recipient or a passphrase identity is required")
		}
		if hasPassphrase {
			if err := r.identity.Validate(); err != nil {
				return Request{}, fmt.Errorf("lock request: %w", err)
			}
		}
		for _, rec := range r.recipients {
			if err := rec.Validate(); err != nil {
				return Request{}, fmt.Errorf("lock request: %w", err)
			}
		}
		if r.recipientGrp != nil {
			if err := r.recipientGrp.Validate(); err != nil {
				return Request{}, fmt.Errorf("lock request: %w", err)
			}
		}

	case Unlock:
		if r.identity.Kind == IdentityNone {
			return Request{}, fmt.Errorf("unlock request: an identity is required")
		}
		if err := r.identity.Validate(); err != nil {
			return Request{}, fmt.Errorf("unlock request: %w", err)
		}

	case Rotate:
		if r.oldIdentity.Kind == IdentityNone || r.identity.Kind == IdentityNone {
			return Request{}, fmt.Errorf("rotate request: both old and new identities are required")
		}
		if err := r.oldIdentity.Validate(); err != nil {
			return Request{}, fmt.Errorf("rotate request: old identity: %w", err)
		}
		if err := r.identity.Validate(); err != nil {
			return Request{}, fmt.Errorf("rotate request: new identity: %w", err)
		}
		if identitiesEqual(r.oldIdentity, r.identity) {
			return Request{}, fmt.Errorf("rotate request: old and new identity must be distinct")
		}

	case Verify:
		hasIdentity := r.identity.Kind != IdentityNone
		hasRecipients := len(r.recipients) > 0 || r.recipientGrp != nil
		if !hasIdentity && !hasRecipients {
			return Request{}, fmt.Errorf("verify request: either an identity or the file's recipient set is required")
		}

	case Status, Batch, Stream:
		// no additional cross-field constraints beyond input paths.

	default:
		return Request{}, fmt.Errorf("unknown request kind %d", r.kind)
	}

	if r.dangerMode && !r.inPlace {
		return Request{}, fmt.Errorf("danger_mode only applies to in-place operations")
	}

	return r, nil
}

func identitiesEqual(a, b Identity) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case IdentityPassphrase:
		return a.Secret == b.Secret
	case IdentityFile:
		return a.Path == b.Path
	default:
		return true // both PromptPassphrase: indistinguishable until prompted, treat as equal
	}
}
