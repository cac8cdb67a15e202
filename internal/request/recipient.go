package request

import (
	"crypto/md5" // #nosec G501 -- audit fingerprint only, not a security primitive (spec §9).
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RecipientKind tags which variant a Recipient value holds.
type RecipientKind int

const (
	RecipientX25519 RecipientKind = iota
	RecipientSSH
	RecipientsFile
)

// Recipient is how to encrypt: an X25519 age public key, an SSH public
// key, or a path to a recipients file accepted by age's -R flag.
type Recipient struct {
	Kind  RecipientKind
	Value string // public key string, or file path for RecipientsFile
}

func NewX25519Recipient(publicKey string) Recipient {
	return Recipient{Kind: RecipientX25519, Value: strings.TrimSpace(publicKey)}
}

func NewSSHRecipient(publicKey string) Recipient {
	return Recipient{Kind: RecipientSSH, Value: strings.TrimSpace(publicKey)}
}

func NewRecipientsFile(path string) Recipient {
	return Recipient{Kind: RecipientsFile, Value: strings.TrimSpace(path)}
}

var sshRecipientPrefixes = []string{
	"ssh-rsa",
	"ssh-ed25519",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
}

func (r Recipient) Validate() error {
	switch r.Kind {
	case RecipientX25519:
		if !strings.HasPrefix(r.Value, "age1") {
			return fmt.Errorf("invalid X25519 recipient %q: must start with age1", r.Value)
		}
	case RecipientSSH:
		ok := false
		for _, prefix := range sshRecipientPrefixes {
			if strings.HasPrefix(r.Value, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid SSH recipient %q: unrecognized key type", r.Value)
		}
	case RecipientsFile:
		if r.Value == "" {
			return fmt.Errorf("recipients file: path required")
		}
	default:
		return fmt.Errorf("unknown recipient kind %d", r.Kind)
	}
	return nil
}

// argString renders the recipient the way age's argv expects it: a raw
// key string for -r, a path for -R. Fingerprinting uses it; the adapter's
// argv builder picks the flag from Kind.
func (r Recipient) argString() string { return r.Value }

// AuthorityTier classifies recipients by role for higher-level tooling
// (spec glossary). Serialized UPPERCASE.
type AuthorityTier int

const (
	TierNone AuthorityTier = iota
	TierSkull
	TierMaster
	TierRepository
	TierIgnition
	TierDistro
)

func (t AuthorityTier) String() string {
	switch t {
	case TierSkull:
		return "SKULL"
	case TierMaster:
		return "MASTER"
	case TierRepository:
		return "REPOSITORY"
	case TierIgnition:
		return "IGNITION"
	case TierDistro:
		return "DISTRO"
	default:
		return ""
	}
}

// RecipientGroup is a named, ordered collection of recipients tagged
// with an optional authority tier and free-form metadata.
type RecipientGroup struct {
	Name       string
	Recipients []Recipient
	Tier       AuthorityTier
	Metadata   map[string]string
}

// Fingerprint is the MD5 of the sorted, comma-joined recipient strings
// (audit hash only; spec §9 — not a security primitive, any adequate
// digest would do, kept MD5 for stability with the rest of the pack's
// fingerprinting convention in internal/vault).
func (g RecipientGroup) Fingerprint() string {
	return RecipientsFingerprint(recipientStrings(g.Recipients))
}

func recipientStrings(rs []Recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.argString())
	}
	return out
}

// RecipientsFingerprint hashes a raw set of recipient strings the same
// way RecipientGroup.Fingerprint does.
func RecipientsFingerprint(recipients []string) string {
	uniq := map[string]struct{}{}
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		uniq[r] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for r := range uniq {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)
	h := md5.New() // #nosec G401 -- audit fingerprint only.
	_, _ = h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func (g RecipientGroup) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("recipient group: name required")
	}
	if len(g.Recipients) == 0 {
		return fmt.Errorf("recipient group %q: at least one recipient required", g.Name)
	}
	for _, r := range g.Recipients {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("recipient group %q: %w", g.Name, err)
		}
	}
	return nil
}
