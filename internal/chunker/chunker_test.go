package chunker

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/padlokk/cage/internal/cageerr"
)

func TestPlanCoversWithoutGapsOrOverlaps(t *testing.T) {
	cases := []struct {
		total, chunk uint64
		wantLen      int
	}{
		{total: 200, chunk: 64, wantLen: 4},
		{total: 128, chunk: 64, wantLen: 2},
		{total: 0, chunk: 64, wantLen: 0},
		{total: 1, chunk: 64, wantLen: 1},
	}
	for _, tc := range cases {
		specs := Plan(tc.total, tc.chunk)
		if len(specs) != tc.wantLen {
			t.Fatalf("total=%d chunk=%d: got %d specs want %d", tc.total, tc.chunk, len(specs), tc.wantLen)
		}
		var cursor uint64
		for i, s := range specs {
			if s.Start != cursor {
				t.Fatalf("gap/overlap at chunk %d: start=%d want %d", i, s.Start, cursor)
			}
			if s.Index != i {
				t.Fatalf("chunk %d has index %d", i, s.Index)
			}
			cursor = s.End
		}
		if tc.total > 0 && cursor != tc.total {
			t.Fatalf("coverage ended at %d want %d", cursor, tc.total)
		}
	}
}

func TestProcessVisitsEveryByte(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 200)
	src := bytes.NewReader(data)
	var seen []byte
	err := Process(src, uint64(len(data)), 64, nil, "", func(spec ChunkSpec, chunk []byte) error {
		seen = append(seen, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !bytes.Equal(seen, data) {
		t.Fatalf("reassembled data mismatch: got %d bytes want %d", len(seen), len(data))
	}
}

func TestResumeSkipsCompletedChunks(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 200)
	src := bytes.NewReader(data)
	hash, err := HashReaderAt(src, uint64(len(data)))
	if err != nil {
		t.Fatalf("HashReaderAt: %v", err)
	}

	cp := NewCheckpoint(hash)
	cp.Completed[0] = true

	var visited []int
	err = Process(src, uint64(len(data)), 64, cp, hash, func(spec ChunkSpec, chunk []byte) error {
		visited = append(visited, spec.Index)
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, idx := range visited {
		if idx == 0 {
			t.Fatalf("chunk 0 should have been skipped as already completed")
		}
	}
}

func TestResumeRefusesOnSourceChanged(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 100)
	src := bytes.NewReader(data)
	cp := NewCheckpoint("stale-hash")
	err := Process(src, uint64(len(data)), 64, cp, "fresh-hash", func(ChunkSpec, []byte) error { return nil })
	if err == nil {
		t.Fatalf("expected SourceChanged error")
	}
	if kind, ok := cageerr.KindOf(err); !ok || kind != cageerr.SourceChanged {
		t.Fatalf("got kind %v ok=%v want SourceChanged", kind, ok)
	}
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	cp := NewCheckpoint("abc123")
	cp.Completed[0] = true
	cp.Completed[2] = true
	if err := cp.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.SourceHash != "abc123" {
		t.Fatalf("got hash %q", loaded.SourceHash)
	}
	if !loaded.Completed[0] || !loaded.Completed[2] || loaded.Completed[1] {
		t.Fatalf("completed set mismatch: %+v", loaded.Completed)
	}
}

func TestLoadCheckpointMissingIsNil(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint for missing file")
	}
}
