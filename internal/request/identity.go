// Package request implements Cage's C7 typed builders: Identity,
// Recipient, RecipientGroup, AuthorityTier and the Lock/Unlock/Rotate/
// Verify/Status/Batch/Stream request kinds. Validation runs once, at
// build time, the way the pack's flag-parsing commands validate once
// after fs.Parse before doing any work (e.g. vault_encrypt_cmd.go).
package request

import (
	"fmt"
	"strings"
)

// IdentityKind tags which variant an Identity value holds.
type IdentityKind int

const (
	// IdentityNone is the zero value: no identity was supplied. Unlock
	// and Rotate require one of the concrete kinds below; Lock and
	// Verify accept none when recipients are given, and Status, Batch
	// and Stream accept none.
	IdentityNone IdentityKind = iota
	IdentityPassphrase
	IdentityFile
	IdentityPromptPassphrase
)

// Identity is a tagged variant describing how to decrypt. Exactly one
// of Secret (Passphrase) or Path (IdentityFile) is meaningful,
// depending on Kind. PromptPassphrase carries neither: the engine
// prompts for it securely at execution time.
type Identity struct {
	Kind   IdentityKind
	Secret string // passphrase value; never logged, never serialized
	Path   string // age/ssh identity file path
}

func NewPassphraseIdentity(secret string) Identity {
	return Identity{Kind: IdentityPassphrase, Secret: secret}
}

func NewFileIdentity(path string) Identity {
	return Identity{Kind: IdentityFile, Path: strings.TrimSpace(path)}
}

func NewPromptIdentity() Identity {
	return Identity{Kind: IdentityPromptPassphrase}
}

// IsPassphraseBased reports whether this identity requires the PTY
// automation path (a passphrase must be typed at an age prompt).
func (i Identity) IsPassphraseBased() bool {
	return i.Kind == IdentityPassphrase || i.Kind == IdentityPromptPassphrase
}

// TypeLabel returns the audit-facing identity_type field value
// (spec §4.8): "passphrase" | "age_identity" | "ssh_identity".
func (i Identity) TypeLabel() string {
	switch i.Kind {
	case IdentityPassphrase, IdentityPromptPassphrase:
		return "passphrase"
	case IdentityFile:
		if looksLikeSSHKeyPath(i.Path) {
			return "ssh_identity"
		}
		return "age_identity"
	case IdentityNone:
		return "none"
	default:
		return "unknown"
	}
}

func looksLikeSSHKeyPath(path string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	return strings.Contains(strings.ToLower(base), "ssh")
}

func (i Identity) Validate() error {
	switch i.Kind {
	case IdentityNone:
		// valid: caller relies on recipients instead of an identity.
	case IdentityPassphrase:
		if i.Secret == "" {
			return fmt.Errorf("passphrase identity: secret required")
		}
	case IdentityFile:
		if strings.TrimSpace(i.Path) == "" {
			return fmt.Errorf("identity file: path required")
		}
	case IdentityPromptPassphrase:
		// nothing to validate; deferred to execution time.
	default:
		return fmt.Errorf("unknown identity kind %d", i.Kind)
	}
	return nil
}
