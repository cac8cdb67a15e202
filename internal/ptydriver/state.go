package ptydriver

import (
	"os"
	"os/exec"
	"sync"
)

// runState tracks the prompt-detection state machine for one spawn.
// The pty master is read continuously on its own goroutine
// (pumpPrompts); the main select loop in driver.go only ever reads the
// fields below through the accessor methods, all guarded by mu.
type runState struct {
	cmd    *exec.Cmd
	ptm    *os.File
	secret string

	// expectedPrompts is the number of distinct prompt phases to
	// satisfy: 0 none, 1 decrypt ("enter passphrase"), 2 encrypt
	// ("enter passphrase" then "confirm passphrase").
	expectedPrompts int

	doneCh chan error

	mu         sync.Mutex
	buf        []byte
	phase      int
	lastMarker string
	wErr       error
}

var phaseMarkers = []string{"enter passphrase", "confirm passphrase"}

// pumpPrompts is the sole reader of the pty master. It strips ANSI
// sequences, watches for the next expected marker in sequence, and
// writes the secret exactly once per phase. It returns only when a pty
// read fails (the child has exited); once every expected prompt has
// been satisfied it keeps draining silently so the child's writes to
// its controlling terminal never block.
func (s *runState) pumpPrompts() {
	chunk := make([]byte, ptyReadChunk)
	for {
		n, err := s.ptm.Read(chunk)
		if n > 0 {
			s.observe(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *runState) observe(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, chunk...)
	if len(s.buf) > promptBufferCap {
		s.buf = s.buf[len(s.buf)-promptBufferCap:]
	}

	if s.phase >= s.expectedPrompts {
		return
	}
	marker := phaseMarkers[s.phase]
	cleaned := string(s.buf)
	if m, found := detectPrompt(cleaned); found && m == marker {
		s.lastMarker = m
		if err := s.writeSecretLocked(); err != nil {
			s.wErr = err
			return
		}
		s.phase++
		// Drop everything observed so far so a leftover "enter
		// passphrase" substring can't falsely satisfy the next phase.
		s.buf = s.buf[:0]
	}
}

// writeSecretLocked writes secret+"\n" to the pty master. Callers hold
// mu. The byte copy used for the write is zeroed immediately after,
// per spec §4.1's "buffered bytes that might contain the secret are
// zeroed before buffer reuse" -- WriteFailed is fatal and is never
// retried, to avoid ever writing the secret twice for one phase.
func (s *runState) writeSecretLocked() error {
	payload := append([]byte(s.secret), '\n')
	_, err := s.ptm.Write(payload)
	zero(payload)
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *runState) promptSatisfied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase >= s.expectedPrompts
}

func (s *runState) lastSeen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastLine(stripANSI(string(s.buf)))
}

func (s *runState) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wErr
}

// zero clears any residual secret bytes held by this state. Called
// once the run has fully quiesced (spec §4.1 security rules).
func (s *runState) zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.buf)
	s.secret = ""
}
