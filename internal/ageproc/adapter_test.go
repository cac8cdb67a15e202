package ageproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/padlokk/cage/internal/cageerr"
	"github.com/padlokk/cage/internal/chunker"
	"github.com/padlokk/cage/internal/ptydriver"
	"github.com/padlokk/cage/internal/request"
	"github.com/padlokk/cage/internal/strategy"
)

// writeAgeStub writes a small bash script standing in for the age
// binary, the same stand-in technique internal/ptydriver's tests use.
func writeAgeStub(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "age-stub.sh")
	full := "#!/bin/bash\n" + body
	if err := os.WriteFile(path, []byte(full), 0o700); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func newTestAdapter(binary string) *Adapter {
	return &Adapter{
		AgeBinary: binary,
		Driver:    ptydriver.New(),
		Timeout:   3 * time.Second,
	}
}

func TestEncryptStreamUsesPipeForRecipientIdentity(t *testing.T) {
	stub := writeAgeStub(t, `cat`)
	a := newTestAdapter(stub)
	recipients := []request.Recipient{request.NewX25519Recipient("age1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")}

	var out bytes.Buffer
	resolution, err := a.EncryptStream(context.Background(), bytes.NewReader([]byte("hello")), &out, request.Identity{}, request.Binary, recipients, strategy.Unset, ChunkResume{})
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if resolution.Strategy != strategy.Pipe {
		t.Fatalf("got strategy %v want Pipe", resolution.Strategy)
	}
	if out.String() != "hello" {
		t.Fatalf("got output %q", out.String())
	}
}

func TestEncryptStreamStagesForPassphraseIdentity(t *testing.T) {
	stub := writeAgeStub(t, `
printf 'Enter passphrase: ' > /dev/tty
read -r a < /dev/tty
printf 'Confirm passphrase: ' > /dev/tty
read -r b < /dev/tty
outpath=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then outpath="$arg"; fi
  prev="$arg"
done
printf 'staged:%s' "$a" > "$outpath"
`)
	a := newTestAdapter(stub)

	var out bytes.Buffer
	resolution, err := a.EncryptStream(context.Background(), bytes.NewReader([]byte("plaintext")), &out, request.NewPassphraseIdentity("hunter2"), request.Binary, nil, strategy.Unset, ChunkResume{})
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if resolution.Strategy != strategy.TempFile {
		t.Fatalf("got strategy %v want TempFile", resolution.Strategy)
	}
	if out.String() != "staged:hunter2" {
		t.Fatalf("got output %q", out.String())
	}
}

func TestEncryptStreamForcedPipeOverriddenForPassphrase(t *testing.T) {
	stub := writeAgeStub(t, `
printf 'Enter passphrase: ' > /dev/tty
read -r a < /dev/tty
printf 'Confirm passphrase: ' > /dev/tty
read -r b < /dev/tty
outpath=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then outpath="$arg"; fi
  prev="$arg"
done
printf 'staged' > "$outpath"
`)
	a := newTestAdapter(stub)
	var out bytes.Buffer
	resolution, err := a.EncryptStream(context.Background(), bytes.NewReader([]byte("x")), &out, request.NewPassphraseIdentity("hunter2"), request.Binary, nil, strategy.Pipe, ChunkResume{})
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if resolution.Strategy != strategy.TempFile || !resolution.Overridden {
		t.Fatalf("got %+v want TempFile overridden", resolution)
	}
}

func TestEncryptStreamWithResumeClearsCheckpointOnSuccess(t *testing.T) {
	checkpointDir := t.TempDir()
	checkpointPath := filepath.Join(checkpointDir, "testkey.checkpoint.json")

	stub := writeAgeStub(t, `
printf 'Enter passphrase: ' > /dev/tty
read -r a < /dev/tty
printf 'Confirm passphrase: ' > /dev/tty
read -r b < /dev/tty
outpath=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then outpath="$arg"; fi
  prev="$arg"
done
printf 'staged:%s' "$a" > "$outpath"
`)
	a := newTestAdapter(stub)

	var out bytes.Buffer
	resolution, err := a.EncryptStream(context.Background(), bytes.NewReader([]byte("plaintext")), &out,
		request.NewPassphraseIdentity("hunter2"), request.Binary, nil, strategy.Unset,
		ChunkResume{Dir: checkpointDir, Key: "testkey"})
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if resolution.Strategy != strategy.TempFile {
		t.Fatalf("got strategy %v want TempFile", resolution.Strategy)
	}
	if out.String() != "staged:hunter2" {
		t.Fatalf("got output %q", out.String())
	}
	if _, err := os.Stat(checkpointPath); !os.IsNotExist(err) {
		t.Fatalf("expected checkpoint to be removed after a clean run, stat err=%v", err)
	}
}

func TestEncryptStreamWithResumeSkipsAlreadyCompletedChunk(t *testing.T) {
	checkpointDir := t.TempDir()
	checkpointPath := filepath.Join(checkpointDir, "testkey.checkpoint.json")

	stagedOutput := "staged:hunter2"
	sourceHash := sha256.Sum256([]byte(stagedOutput))
	cp := chunker.NewCheckpoint(hex.EncodeToString(sourceHash[:]))
	cp.Completed[0] = true
	if err := cp.Save(checkpointPath); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	stub := writeAgeStub(t, `
printf 'Enter passphrase: ' > /dev/tty
read -r a < /dev/tty
printf 'Confirm passphrase: ' > /dev/tty
read -r b < /dev/tty
outpath=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then outpath="$arg"; fi
  prev="$arg"
done
printf 'staged:%s' "$a" > "$outpath"
`)
	a := newTestAdapter(stub)

	var out bytes.Buffer
	_, err := a.EncryptStream(context.Background(), bytes.NewReader([]byte("plaintext")), &out,
		request.NewPassphraseIdentity("hunter2"), request.Binary, nil, strategy.Unset,
		ChunkResume{Dir: checkpointDir, Key: "testkey"})
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected the already-completed chunk to be skipped, got %q", out.String())
	}
}

func TestDecryptFileTranslatesIncorrectPassphrase(t *testing.T) {
	stub := writeAgeStub(t, `
printf 'Enter passphrase: ' > /dev/tty
read -r a < /dev/tty
echo "age: error: incorrect passphrase" >&2
exit 1
`)
	a := newTestAdapter(stub)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.age")
	if err := os.WriteFile(in, []byte("ciphertext"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	err := a.Decrypt(context.Background(), in, filepath.Join(dir, "out.txt"), request.NewPassphraseIdentity("wrong"))
	if err == nil {
		t.Fatalf("expected decryption error")
	}
	if kind, ok := cageerr.KindOf(err); !ok || kind != cageerr.DecryptionFailed {
		t.Fatalf("got kind %v ok=%v want DecryptionFailed", kind, ok)
	}
}

func TestHealthCheckReportsMissingBinary(t *testing.T) {
	a := newTestAdapter("definitely-not-a-real-age-binary-xyz")
	report := a.HealthCheck(context.Background())
	if report.BinaryFound {
		t.Fatalf("expected BinaryFound=false")
	}
	if len(report.Errors) == 0 {
		t.Fatalf("expected at least one error explaining the missing binary")
	}
}

func TestHealthCheckReportsVersionAndLibraryRoundTrip(t *testing.T) {
	stub := writeAgeStub(t, `
if [ "$1" = "--version" ]; then
  echo "1.2.0"
  exit 0
fi
exit 1
`)
	a := newTestAdapter(stub)
	report := a.HealthCheck(context.Background())
	if !report.BinaryFound {
		t.Fatalf("expected BinaryFound=true")
	}
	if report.Version != "1.2.0" {
		t.Fatalf("got version %q", report.Version)
	}
	if !report.CanEncrypt || !report.CanDecrypt {
		t.Fatalf("expected library round trip to succeed: %+v", report.Errors)
	}
}
