// Package strategy implements Cage's C3 Streaming Strategy Selector: a
// pure function (no I/O) that decides pipe-streaming vs temp-file
// staging for a given identity type, override chain, and environment.
package strategy

import (
	"os"
	"strings"
)

// Strategy is the resolved (or requested) streaming approach.
type Strategy int

const (
	// Unset means "no preference expressed at this layer"; used only
	// internally while walking the precedence chain.
	Unset Strategy = iota
	Auto
	Pipe
	TempFile
)

func (s Strategy) String() string {
	switch s {
	case Auto:
		return "auto"
	case Pipe:
		return "pipe"
	case TempFile:
		return "temp"
	default:
		return "unset"
	}
}

// Parse maps the three accepted spellings (spec §6: CAGE_STREAMING_STRATEGY)
// to a Strategy. Unknown values return Unset, ok=false — callers skip
// them rather than failing; no warning is reported for them.
func Parse(s string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pipe":
		return Pipe, true
	case "temp", "tempfile", "temp_file":
		return TempFile, true
	case "auto":
		return Auto, true
	default:
		return Unset, false
	}
}

const EnvOverride = "CAGE_STREAMING_STRATEGY"

// IdentityClass is the minimal identity shape the selector needs:
// whether the request's identity requires a passphrase prompt (and
// therefore the PTY/temp-file constraint of the underlying age
// binary) as opposed to a pure recipient-only decrypt/encrypt that can
// use plain pipes.
type IdentityClass int

const (
	RecipientBased IdentityClass = iota
	PassphraseBased
)

// Resolution is the selector's output: the strategy actually used, plus
// whether a caller-forced strategy had to be overridden (spec §4.2 —
// "the adapter still stages but records that a forced-strategy was
// rejected in the audit event").
type Resolution struct {
	Strategy   Strategy
	Overridden bool
}

// Select applies the precedence chain from spec §4.3: request-level
// override > environment variable > config default > identity-based
// default. envLookup is injected for testability (mirrors the pack's
// preference for small injected seams over a package-level os.Getenv
// call sprinkled through logic).
func Select(identity IdentityClass, requestOverride Strategy, configDefault Strategy, envLookup func(string) string) Resolution {
	if envLookup == nil {
		envLookup = os.Getenv
	}

	chosen := Unset
	switch {
	case requestOverride != Unset:
		chosen = requestOverride
	default:
		if raw := envLookup(EnvOverride); raw != "" {
			if parsed, ok := Parse(raw); ok {
				chosen = parsed
			}
			// unknown env value: skipped without a warning,
			// fall through to config default.
		}
		if chosen == Unset && configDefault != Unset {
			chosen = configDefault
		}
	}

	if chosen == Unset {
		chosen = Auto
	}

	return resolveAuto(chosen, identity)
}

func resolveAuto(chosen Strategy, identity IdentityClass) Resolution {
	allowPipe := identity == RecipientBased

	if chosen == Auto {
		if allowPipe {
			return Resolution{Strategy: Pipe}
		}
		return Resolution{Strategy: TempFile}
	}

	if chosen == Pipe && !allowPipe {
		// Passphrase identities always require temp-file staging: age
		// reads the passphrase from /dev/tty while streaming data
		// through stdin, so a forced pipe strategy cannot be honored.
		return Resolution{Strategy: TempFile, Overridden: true}
	}

	return Resolution{Strategy: chosen}
}
