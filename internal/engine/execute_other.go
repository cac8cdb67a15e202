package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/padlokk/cage/internal/audit"
	"github.com/padlokk/cage/internal/request"
)

// ExecuteRotate decrypts path with req.OldIdentity() and re-encrypts
// it with req.Identity()/req.AllRecipients(), in place if req.InPlace()
// is set. It reduces to two Execute calls against a temp plaintext
// file so the same safety/backup/audit machinery Execute already
// provides is not duplicated here.
func (e *Engine) ExecuteRotate(ctx context.Context, req request.Request, path string) (request.OperationResult, error) {
	start := time.Now()
	result := request.OperationResult{}

	unlockDecrypt := NewBuilderMust(request.Unlock, path).WithIdentity(req.OldIdentity())
	plainPath := path + ".cage-rotate-plain"
	defer removeQuiet(plainPath)

	unlockReq, err := unlockDecrypt.Build()
	if err != nil {
		return e.fail(result, start, path, fmt.Errorf("rotate: build unlock step: %w", err))
	}
	if _, err := e.Execute(ctx, unlockReq, path, plainPath); err != nil {
		return e.fail(result, start, path, fmt.Errorf("rotate: decrypt with old identity: %w", err))
	}

	lockBuilder := request.NewBuilder(request.Lock).Input(plainPath).WithFormat(req.Format())
	if req.Identity().IsPassphraseBased() {
		lockBuilder = lockBuilder.WithIdentity(req.Identity())
	}
	if len(req.AllRecipients()) > 0 {
		lockBuilder = lockBuilder.WithRecipients(req.AllRecipients()...)
	}
	if req.InPlace() {
		lockBuilder = lockBuilder.InPlace(true).WithIAmSure(true)
	}
	lockReq, err := lockBuilder.Build()
	if err != nil {
		return e.fail(result, start, path, fmt.Errorf("rotate: build lock step: %w", err))
	}

	outputPath := path
	if !req.InPlace() {
		outputPath = firstNonEmpty(req.OutputPaths(), path)
	}
	if _, err := e.Execute(ctx, lockReq, plainPath, outputPath); err != nil {
		return e.fail(result, start, path, fmt.Errorf("rotate: re-encrypt with new identity: %w", err))
	}
	if req.InPlace() {
		// The in-place lock step committed the new ciphertext over
		// plainPath; move it over the original path.
		if err := os.Rename(plainPath, path); err != nil {
			return e.fail(result, start, path, fmt.Errorf("rotate: replace original with re-encrypted file: %w", err))
		}
	}

	result.Success = true
	result.ProcessedFiles = []string{path}
	result.BytesProcessed = statSize(path)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	e.emit(audit.Event{Level: audit.LevelInfo, Component: "engine", EventType: "operation_complete", Path: path, Success: true, DurationMs: result.ExecutionTimeMs})
	return result, nil
}

// ExecuteVerify checks that path can be decrypted by req.Identity(),
// without producing any plaintext on disk beyond a throwaway temp file
// that is removed immediately after the check. A request with no
// identity reports success without examining the file; its recipients
// are not checked against the file.
func (e *Engine) ExecuteVerify(ctx context.Context, req request.Request, path string) (request.OperationResult, error) {
	start := time.Now()
	result := request.OperationResult{}

	if req.Identity().Kind == request.IdentityNone {
		// Recipient-only verification: age has no "who can decrypt this"
		// introspection short of attempting decryption, so without an
		// identity nothing is checked: the file is not opened and the
		// result is success. A caller must supply a real identity for
		// the check to be meaningful (see DESIGN.md's Verify
		// open-question resolution).
		result.Success = true
		result.ProcessedFiles = []string{path}
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result, nil
	}

	tmpOut := path + ".cage-verify-plain"
	defer removeQuiet(tmpOut)
	if err := e.Adapter.Decrypt(ctx, path, tmpOut, req.Identity()); err != nil {
		return e.fail(result, start, path, err)
	}
	result.Success = true
	result.ProcessedFiles = []string{path}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// ExecuteBatch runs req against every input path independently,
// continuing past per-file failures so one bad file does not abort the
// rest; spec's OperationResult shape (processed + failed lists) exists
// precisely to report a partial batch outcome.
func (e *Engine) ExecuteBatch(ctx context.Context, req request.Request) request.OperationResult {
	start := time.Now()
	result := request.OperationResult{StrategyUsed: req.StrategyOverride().String()}

	outputs := req.OutputPaths()
	for i, in := range req.InputPaths() {
		out := in
		if i < len(outputs) {
			out = outputs[i]
		}
		singleBuilder := request.NewBuilder(req.Kind()).Input(in).WithIdentity(req.Identity()).
			WithFormat(req.Format()).WithStrategyOverride(req.StrategyOverride())
		if len(req.AllRecipients()) > 0 {
			singleBuilder = singleBuilder.WithRecipients(req.AllRecipients()...)
		}
		single, err := singleBuilder.Build()
		if err != nil {
			result.FailedFiles = append(result.FailedFiles, request.FailedFile{Path: in, ErrorKind: "build_error"})
			continue
		}
		opResult, err := e.Execute(ctx, single, in, out)
		if err != nil {
			result.FailedFiles = append(result.FailedFiles, request.FailedFile{Path: in, ErrorKind: errKind(err)})
			continue
		}
		result.ProcessedFiles = append(result.ProcessedFiles, in)
		result.BytesProcessed += opResult.BytesProcessed
	}

	result.Success = len(result.FailedFiles) == 0
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

func removeQuiet(path string) {
	_ = os.Remove(path)
}

func firstNonEmpty(paths []string, fallback string) string {
	if len(paths) > 0 && paths[0] != "" {
		return paths[0]
	}
	return fallback
}

// NewBuilderMust is a small convenience used by ExecuteRotate to start
// an Unlock request from a path without repeating the builder/Input
// boilerplate at each call site.
func NewBuilderMust(kind request.Kind, path string) *request.Builder {
	return request.NewBuilder(kind).Input(path)
}
