// Package ptydriver is Cage's C1 PTY Automation Engine: it spawns age
// (or any program that insists on a controlling terminal) with a pty
// as its controlling terminal, detects age's passphrase prompts in the
// pty's output, writes the secret exactly once per prompt phase, and
// enforces a single wall-clock timeout from spawn to exit.
//
// The data plane (stdin/stdout for streaming operations) is wired to
// plain pipes, not the pty slave: age opens /dev/tty directly for
// passphrase I/O regardless of what its stdin/stdout are redirected
// to, which is exactly the property that makes this split possible and
// is the reason a naive "pipe everything through the pty" design would
// conflate prompt bytes with ciphertext bytes. See sysproc_unix.go.
package ptydriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/padlokk/cage/internal/cageerr"
)

const (
	defaultTimeout    = 30 * time.Second
	promptBufferCap   = 8 * 1024
	stderrTailCap     = 4 * 1024
	graceKillWait     = 500 * time.Millisecond
	ptyReadChunk      = 4096
)

// Driver runs argv under a pseudo-terminal and automates its
// passphrase prompts. The zero value is ready to use.
type Driver struct {
	// DefaultTimeout is used when Options.Timeout is zero.
	DefaultTimeout time.Duration
}

func New() *Driver {
	return &Driver{DefaultTimeout: defaultTimeout}
}

// Options configures one spawn. ExpectedPrompts is how many distinct
// prompt phases the driver should satisfy before it stops watching for
// prompts: 0 (no passphrase in play), 1 (decrypt: "Enter passphrase"),
// or 2 (encrypt: "Enter passphrase" then "Confirm passphrase").
type Options struct {
	Argv            []string
	Secret          string
	ExpectedPrompts int
	Timeout         time.Duration
	CaptureStderr   bool
}

// Result is the bounded-output form of a run: captured stdout, and
// stderr if CaptureStderr was set.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Execute runs argv to completion, capturing stdout (and optionally
// stderr) into memory. Intended for commands with small, bounded
// output such as age-keygen.
func (d *Driver) Execute(ctx context.Context, opts Options) (*Result, error) {
	var out bytes.Buffer
	run, err := d.run(ctx, opts, nil, &out)
	if err != nil {
		return nil, err
	}
	return &Result{Stdout: out.Bytes(), Stderr: run.stderrTail}, nil
}

// ExecuteStreaming runs argv, connecting stdinReader/stdoutWriter to
// the child's data plane while the pty handles only the passphrase
// prompt exchange. age reads data from stdin in parallel with reading
// the passphrase from its controlling terminal, so the read/prompt
// pump and the stdin/stdout copy pumps here run concurrently, never
// serially.
func (d *Driver) ExecuteStreaming(ctx context.Context, opts Options, stdinReader io.Reader, stdoutWriter io.Writer) error {
	_, err := d.run(ctx, opts, stdinReader, stdoutWriter)
	return err
}

type runOutcome struct {
	stderrTail []byte
}

func (d *Driver) run(ctx context.Context, opts Options, stdinReader io.Reader, stdoutWriter io.Writer) (*runOutcome, error) {
	if !ptySupported {
		return nil, cageerr.New(cageerr.PtyAllocationFailed, "pty automation requires a unix-like OS")
	}
	if len(opts.Argv) == 0 {
		return nil, cageerr.New(cageerr.BinaryNotFound, "empty argv")
	}
	if _, err := exec.LookPath(opts.Argv[0]); err != nil {
		return nil, cageerr.Wrap(cageerr.BinaryNotFound, fmt.Sprintf("%s not found on PATH", opts.Argv[0]), err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.DefaultTimeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
	}

	ptm, pts, err := pty.Open()
	if err != nil {
		return nil, cageerr.Wrap(cageerr.PtyAllocationFailed, "failed to allocate pseudo-terminal", err)
	}
	defer ptm.Close()

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter
	cmd.ExtraFiles = []*os.File{pts}
	cmd.SysProcAttr = cttyAttr(3)

	var stderrPipe io.ReadCloser
	if opts.CaptureStderr {
		stderrPipe, err = cmd.StderrPipe()
		if err != nil {
			_ = pts.Close()
			return nil, cageerr.Wrap(cageerr.IoError, "failed to create stderr pipe", err)
		}
	}

	if err := cmd.Start(); err != nil {
		_ = pts.Close()
		return nil, cageerr.Wrap(cageerr.UnexpectedExit, "failed to start child process", err)
	}
	// The child has its own copy of the slave fd (inherited via
	// ExtraFiles); the parent only needs the master end from here on.
	_ = pts.Close()

	state := &runState{
		cmd:             cmd,
		ptm:             ptm,
		secret:          opts.Secret,
		expectedPrompts: opts.ExpectedPrompts,
		doneCh:          make(chan error, 1),
	}

	go func() { state.doneCh <- cmd.Wait() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		state.pumpPrompts()
	}()

	var stderrTail []byte
	if stderrPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stderrTail = drainTail(stderrPipe, stderrTailCap)
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case waitErr := <-state.doneCh:
		runErr = d.classifyExit(state, waitErr)
	case <-timer.C:
		d.terminate(cmd)
		<-state.doneCh // Wait already has a result queued by the goroutine above.
		runErr = d.classifyTimeout(state)
	case <-ctx.Done():
		d.terminate(cmd)
		<-state.doneCh
		runErr = cageerr.Wrap(cageerr.Cancelled, "operation cancelled", ctx.Err())
	}

	wg.Wait()
	state.zero()

	if runErr != nil {
		if stderrTail != nil {
			if e, ok := runErr.(*cageerr.Error); ok {
				e.StderrTail = scrub(string(stderrTail), opts.Secret)
			}
		}
		return nil, runErr
	}
	return &runOutcome{stderrTail: stderrTail}, nil
}

// classifyExit maps a completed child process (no timeout, no cancel)
// to success or an UnexpectedExit/WriteFailed error.
func (d *Driver) classifyExit(state *runState, waitErr error) error {
	if writeErr := state.writeErr(); writeErr != nil {
		return cageerr.Wrap(cageerr.WriteFailed, "secret injection failed", writeErr)
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	code := -1
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &cageerr.Error{
		Kind:     cageerr.UnexpectedExit,
		Message:  "age exited with an error",
		Err:      waitErr,
		ExitCode: code,
	}
}

func (d *Driver) classifyTimeout(state *runState) error {
	if !state.promptSatisfied() && state.expectedPrompts > 0 {
		return &cageerr.Error{
			Kind:       cageerr.PromptTimeout,
			Message:    "expected passphrase prompt did not appear in time",
			PromptSeen: state.lastSeen(),
		}
	}
	return cageerr.New(cageerr.Timeout, "operation timed out")
}

// terminate implements the SIGTERM-then-SIGKILL sequence spec §5
// describes for cancellation, reused here for plain timeouts too since
// both need the child's process group gone within 500ms.
func (d *Driver) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(graceKillWait)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func drainTail(r io.Reader, cap int) []byte {
	buf := make([]byte, 0, cap)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > cap {
				buf = buf[len(buf)-cap:]
			}
		}
		if err != nil {
			return buf
		}
	}
}
