// Package engine implements Cage's C9 component: the Coordinator that
// executes a Request end-to-end, sequencing the safety gates, backup
// registry, streaming strategy selector, and age adapter in the order
// spec §4.9 and §5 require, and serializing in-place writes per
// target path the way a worker-pool component in the pack serializes
// access to a shared resource with a map of mutexes.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/padlokk/cage/internal/ageproc"
	"github.com/padlokk/cage/internal/audit"
	"github.com/padlokk/cage/internal/backup"
	"github.com/padlokk/cage/internal/cageerr"
	"github.com/padlokk/cage/internal/request"
	"github.com/padlokk/cage/internal/safety"
	"github.com/padlokk/cage/internal/strategy"
)

// Engine is the Coordinator. The zero value is not usable; construct
// with New.
type Engine struct {
	Adapter  *ageproc.Adapter
	Audit    *audit.Sink
	Gates    *safety.Gates
	Backups  *backup.Registry // nil disables backup/retention steps entirely
	Retention backup.Policy

	pathLocks sync.Map // map[string]*sync.Mutex, spec §5 "per-file in-process mutex"
}

func New(adapter *ageproc.Adapter, sink *audit.Sink, gates *safety.Gates, backups *backup.Registry, retention backup.Policy) *Engine {
	return &Engine{Adapter: adapter, Audit: sink, Gates: gates, Backups: backups, Retention: retention}
}

func (e *Engine) lockFor(path string) func() {
	v, _ := e.pathLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Execute runs req's Lock/Unlock operation against a single input
// path end-to-end, following spec §4.9's seven steps. Rotate, Verify,
// Status, Batch, and Stream are layered on top of the same primitive
// in execute_other.go; this function covers the one-file
// encrypt/decrypt core every other kind reduces to.
func (e *Engine) Execute(ctx context.Context, req request.Request, inputPath, outputPath string) (request.OperationResult, error) {
	start := time.Now()
	unlock := e.lockFor(inputPath)
	defer unlock()

	e.emit(audit.Event{
		Level:     audit.LevelInfo,
		Component: "engine",
		EventType: "operation_start",
		Path:      inputPath,
		Success:   true,
	})

	result := request.OperationResult{}

	if req.InPlace() {
		if err := e.Gates.Evaluate(req, inputPath); err != nil {
			return e.fail(result, start, inputPath, err)
		}
	}

	class := strategy.RecipientBased
	if req.Identity().IsPassphraseBased() {
		class = strategy.PassphraseBased
	}
	resolution := strategy.Select(class, req.StrategyOverride(), strategy.Unset, nil)
	result.StrategyUsed = resolution.Strategy.String()
	strategyOverridden := resolution.Overridden

	var backupEntry *backup.Entry
	if req.BackupOptIn() && e.Backups != nil {
		entry, err := e.Backups.CreateBackup(inputPath)
		if err != nil {
			return e.fail(result, start, inputPath, err)
		}
		backupEntry = &entry
	}

	var opErr error
	if req.InPlace() {
		opErr = e.executeInPlace(ctx, req, inputPath)
	} else {
		opErr = e.executeToOutput(ctx, req, inputPath, outputPath)
	}

	if opErr != nil {
		return e.fail(result, start, inputPath, opErr)
	}

	// executeInPlace commits over inputPath and ignores outputPath, so
	// the file actually holding the result differs between the two
	// dispatch branches.
	finalPath := outputPath
	if req.InPlace() {
		finalPath = inputPath
	}
	result.BytesProcessed = statSize(finalPath)

	if backupEntry != nil {
		if err := e.Backups.ApplyRetention(inputPath, e.Retention); err != nil {
			// Retention failure does not unwind a successful
			// encrypt/decrypt -- the primary operation already
			// committed -- but it is surfaced to the caller.
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			result.Success = true
			result.ProcessedFiles = []string{inputPath}
			e.emit(audit.Event{
				Level: audit.LevelWarn, Component: "engine", EventType: "retention_failed",
				Path: inputPath, Success: false, ErrorKind: string(cageerr.RetentionPartial),
			})
			return result, err
		}
	}

	result.ProcessedFiles = []string{inputPath}
	result.Success = true
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	e.emit(audit.Event{
		Level: audit.LevelInfo, Component: "engine", EventType: "operation_complete",
		Path: inputPath, Success: true, DurationMs: result.ExecutionTimeMs,
		StreamingStrategy: result.StrategyUsed, IdentityType: req.Identity().TypeLabel(),
		RecipientCount: len(req.AllRecipients()), StrategyOverridden: strategyOverridden,
	})
	return result, nil
}

func (e *Engine) executeToOutput(ctx context.Context, req request.Request, inputPath, outputPath string) error {
	switch req.Kind() {
	case request.Lock:
		return e.Adapter.Encrypt(ctx, inputPath, outputPath, req.Identity(), req.Format(), req.AllRecipients())
	case request.Unlock:
		return e.Adapter.Decrypt(ctx, inputPath, outputPath, req.Identity())
	default:
		return fmt.Errorf("engine: unsupported request kind for single-file execute: %s", req.Kind())
	}
}

// executeInPlace runs the safety execution protocol (spec §4.5 steps
// 1-5) around the same Encrypt/Decrypt call executeToOutput uses,
// targeting the temp path instead of a caller-chosen output.
func (e *Engine) executeInPlace(ctx context.Context, req request.Request, path string) error {
	passphrase := ""
	if req.Identity().IsPassphraseBased() {
		passphrase = req.Identity().Secret
	}
	op, err := safety.Begin(path, req.DangerMode(), passphrase)
	if err != nil {
		return err
	}
	defer op.Rollback() // no-op once Commit succeeds

	if err := e.executeToOutput(ctx, req, path, op.TempPath()); err != nil {
		return err
	}
	return op.Commit()
}

func (e *Engine) fail(result request.OperationResult, start time.Time, path string, err error) (request.OperationResult, error) {
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.Success = false
	result.FailedFiles = []request.FailedFile{{Path: path, ErrorKind: errKind(err)}}

	var stderrTail string
	if ce, ok := err.(*cageerr.Error); ok {
		stderrTail = ce.StderrTail
	}
	e.emit(audit.Event{
		Level: audit.LevelError, Component: "engine", EventType: "operation_failed",
		Path: path, Success: false, ErrorKind: errKind(err), ErrorMessage: err.Error() + stderrSuffix(stderrTail),
	})
	return result, err
}

func stderrSuffix(tail string) string {
	if tail == "" {
		return ""
	}
	return " (stderr: " + tail + ")"
}

func errKind(err error) string {
	if kind, ok := cageerr.KindOf(err); ok {
		return string(kind)
	}
	return string(cageerr.IoError)
}

func (e *Engine) emit(ev audit.Event) {
	if e.Audit != nil {
		e.Audit.Emit(ev)
	}
}

// Cancel-aware variant of io.Copy used by stream-kind requests;
// exported so cmd/cage and tests can drive the streaming path
// directly without going through a file.
func (e *Engine) ExecuteStream(ctx context.Context, req request.Request, reader io.Reader, writer io.Writer) (request.OperationResult, error) {
	start := time.Now()
	result := request.OperationResult{}

	e.emit(audit.Event{
		Level:     audit.LevelInfo,
		Component: "engine",
		EventType: "operation_start",
		Path:      "<stream>",
		Success:   true,
	})

	resume := ageproc.ChunkResume{Dir: req.CheckpointDir(), Key: checkpointKey(req.InputPaths())}

	var resolution strategy.Resolution
	var err error
	switch req.Kind() {
	case request.Lock, request.Stream:
		resolution, err = e.Adapter.EncryptStream(ctx, reader, writer, req.Identity(), req.Format(), req.AllRecipients(), req.StrategyOverride(), resume)
	case request.Unlock:
		resolution, err = e.Adapter.DecryptStream(ctx, reader, writer, req.Identity(), req.StrategyOverride(), resume)
	default:
		return result, fmt.Errorf("engine: unsupported request kind for streaming execute: %s", req.Kind())
	}
	result.StrategyUsed = resolution.Strategy.String()
	if err != nil {
		return e.fail(result, start, "<stream>", err)
	}
	result.Success = true
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	e.emit(audit.Event{
		Level: audit.LevelInfo, Component: "engine", EventType: "operation_complete",
		Path: "<stream>", Success: true, DurationMs: result.ExecutionTimeMs,
		StreamingStrategy: result.StrategyUsed, IdentityType: req.Identity().TypeLabel(),
		RecipientCount: len(req.AllRecipients()), StrategyOverridden: resolution.Overridden,
	})
	return result, nil
}

// statSize is a small helper batch/rotate execution uses to compute
// bytes_processed without re-reading the file through the adapter.
func statSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// checkpointKey derives a filesystem-safe, stable checkpoint file name
// from a streaming request's input paths, so two Stream requests over
// the same logical input resume from the same checkpoint file.
func checkpointKey(inputPaths []string) string {
	sum := sha256.Sum256([]byte(strings.Join(inputPaths, "\x00")))
	return hex.EncodeToString(sum[:])
}
