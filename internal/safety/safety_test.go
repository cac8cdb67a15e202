package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/padlokk/cage/internal/cageerr"
)

type fakeRequest struct {
	inPlace    bool
	dangerMode bool
	iAmSure    bool
}

func (r fakeRequest) InPlace() bool    { return r.inPlace }
func (r fakeRequest) DangerMode() bool { return r.dangerMode }
func (r fakeRequest) IAmSure() bool    { return r.iAmSure }

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func TestGate1RejectsNonInPlace(t *testing.T) {
	g := DefaultGates()
	err := g.Evaluate(fakeRequest{inPlace: false}, "/tmp/x")
	if err == nil {
		t.Fatalf("expected error when in-place flag is unset")
	}
}

func TestGate2RequiresDangerModeEnv(t *testing.T) {
	t.Setenv(DangerModeEnvVar, "")
	g := DefaultGates()
	err := g.Evaluate(fakeRequest{inPlace: true, dangerMode: true, iAmSure: true}, "/tmp/x")
	if kind, ok := cageerr.KindOf(err); !ok || kind != cageerr.DangerModeNotPermitted {
		t.Fatalf("got kind %v ok=%v want DangerModeNotPermitted", kind, ok)
	}
}

func TestGate2PassesWithDangerModeEnv(t *testing.T) {
	t.Setenv(DangerModeEnvVar, "1")
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	g := &Gates{FreeBytes: func(string) (uint64, error) { return 1 << 30, nil }}
	err := g.Evaluate(fakeRequest{inPlace: true, dangerMode: true, iAmSure: true}, path)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
}

func TestGate3AbortsWithoutConfirmationPath(t *testing.T) {
	g := &Gates{IsInteractive: func() bool { return false }}
	err := g.Evaluate(fakeRequest{inPlace: true}, "/tmp/x")
	if err == nil {
		t.Fatalf("expected error: no confirmation path available")
	}
}

func TestGate3HonoursConfirmCallback(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	called := false
	g := &Gates{
		IsInteractive: func() bool { return true },
		Confirm:       func(p string) bool { called = true; return p == path },
		FreeBytes:     func(string) (uint64, error) { return 1 << 30, nil },
	}
	if err := g.Evaluate(fakeRequest{inPlace: true}, path); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !called {
		t.Fatalf("expected Confirm to be invoked")
	}
}

func TestGate4RejectsInsufficientFreeSpace(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 1000)
	g := &Gates{
		IsInteractive: func() bool { return true },
		Confirm:       func(string) bool { return true },
		FreeBytes:     func(string) (uint64, error) { return 100, nil },
	}
	err := g.Evaluate(fakeRequest{inPlace: true}, path)
	if err == nil {
		t.Fatalf("expected error: insufficient free space")
	}
}

func TestBeginWritesSidecarWithRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	op, err := Begin(path, false, "hunter2")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	info, err := os.Stat(op.SidecarPath())
	if err != nil {
		t.Fatalf("stat sidecar: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("got perm %v want 0600", info.Mode().Perm())
	}
	op.Rollback()
}

func TestBeginSkipsSidecarInDangerMode(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	op, err := Begin(path, true, "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if op.SidecarPath() != "" {
		t.Fatalf("expected no sidecar in danger mode")
	}
}

func TestCommitRenamesAndRemovesSidecar(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	op, err := Begin(path, false, "secret")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := os.WriteFile(op.TempPath(), []byte("new contents"), 0o600); err != nil {
		t.Fatalf("write temp output: %v", err)
	}
	if err := op.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(data) != "new contents" {
		t.Fatalf("got %q", data)
	}
	if _, err := os.Stat(op.SidecarPath()); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar to be removed after commit")
	}
}

func TestRollbackRemovesTempKeepsSidecar(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "f.txt", 10)
	op, err := Begin(path, false, "secret")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := os.WriteFile(op.TempPath(), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	op.Rollback()
	if _, err := os.Stat(op.TempPath()); !os.IsNotExist(err) {
		t.Fatalf("expected temp output removed")
	}
	if _, err := os.Stat(op.SidecarPath()); err != nil {
		t.Fatalf("expected sidecar retained: %v", err)
	}
}
