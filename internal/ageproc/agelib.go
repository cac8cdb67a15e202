package ageproc

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"filippo.io/age"

	"github.com/padlokk/cage/internal/pathutil"
)

// IdentityToRecipient derives the public recipient string for an
// identity file. For X25519 identity files it uses filippo.io/age
// in-process (the same library the pack's internal/vault package uses
// for its own X25519 handling) rather than shelling out; for anything
// the in-process parser rejects (SSH identities, or a file whose first
// key line is not an X25519 identity) it falls back to `age-keygen -y`, which is what
// spec §4.2 names as the primitive operation.
func IdentityToRecipient(identityPath string) (string, error) {
	data, err := pathutil.ReadFileScoped(identityPath)
	if err != nil {
		return "", fmt.Errorf("read identity file: %w", err)
	}
	if recipient, ok := tryParseX25519IdentityFile(data); ok {
		return recipient, nil
	}
	return ageKeygenRecipient(identityPath)
}

func tryParseX25519IdentityFile(data []byte) (string, bool) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return "", false
		}
		return id.Recipient().String(), true
	}
	return "", false
}

func ageKeygenRecipient(identityPath string) (string, error) {
	if _, err := exec.LookPath("age-keygen"); err != nil {
		return "", fmt.Errorf("age-keygen not found on PATH: %w", err)
	}
	// #nosec G204 -- identityPath is a caller-supplied file path, not a shell string.
	cmd := exec.Command("age-keygen", "-y", identityPath)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("age-keygen -y: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// selfTestRoundTrip performs an in-memory encrypt/decrypt using
// filippo.io/age with a freshly generated identity, independent of the
// age binary. HealthCheck uses this as a fast library-level sanity
// check in addition to invoking `age --version` (spec §6, SPEC_FULL §2).
func selfTestRoundTrip() error {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, "cage-health-check"); err != nil {
		_ = w.Close()
		return fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(buf.Bytes()), id)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read plaintext: %w", err)
	}
	if string(plain) != "cage-health-check" {
		return fmt.Errorf("round trip mismatch")
	}
	return nil
}
