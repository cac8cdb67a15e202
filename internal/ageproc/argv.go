package ageproc

import (
	"github.com/padlokk/cage/internal/request"
)

// encryptArgv builds the argv for `age -e`. recipients and identity
// come from the request's resolved fields; outputPath is empty for
// streaming (age writes to stdout in that case).
func encryptArgv(binary string, recipients []request.Recipient, identity request.Identity, format request.OutputFormat, outputPath string) []string {
	argv := []string{binary, "-e"}
	for _, r := range recipients {
		switch r.Kind {
		case request.RecipientsFile:
			argv = append(argv, "-R", r.Value)
		default:
			argv = append(argv, "-r", r.Value)
		}
	}
	if identity.IsPassphraseBased() {
		argv = append(argv, "-p")
	}
	if format == request.AsciiArmor {
		argv = append(argv, "-a")
	}
	if outputPath != "" {
		argv = append(argv, "-o", outputPath)
	}
	return argv
}

// decryptArgv builds the argv for `age -d`. outputPath is empty for
// streaming.
func decryptArgv(binary string, identity request.Identity, outputPath string) []string {
	argv := []string{binary, "-d"}
	if identity.Kind == request.IdentityFile {
		argv = append(argv, "-i", identity.Path)
	}
	if outputPath != "" {
		argv = append(argv, "-o", outputPath)
	}
	return argv
}

// expectedPrompts returns how many passphrase prompt phases spec §4.1
// says to expect: two for encryption (enter + confirm), one for
// decryption, zero for recipient-only operations.
func expectedPrompts(encrypting bool, identity request.Identity) int {
	if !identity.IsPassphraseBased() {
		return 0
	}
	if encrypting {
		return 2
	}
	return 1
}
