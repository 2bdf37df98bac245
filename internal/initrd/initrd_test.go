package initrd

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/pierrec/lz4/v4"

	"lsvmshim/internal/compressfmt"
)

func buildArchive(files map[string][]byte, dirs []string) *Archive {
	a := newArchive()
	for _, d := range dirs {
		a.Put(d, dirMode, nil)
	}
	for name, data := range files {
		a.Put(name, modeIFREG|0o644, data)
	}
	return a
}

func TestArchiveRoundTrip(t *testing.T) {
	a := buildArchive(map[string][]byte{"init": []byte("#!/bin/sh\n")}, []string{"etc"})
	marshaled := a.Marshal()

	parsed, consumed, err := ParseArchive(marshaled)
	if err != nil {
		t.Fatalf("ParseArchive: %v", err)
	}
	if consumed != len(marshaled) {
		t.Fatalf("expected to consume entire archive, got %d of %d", consumed, len(marshaled))
	}
	if !parsed.Exists("init") || !parsed.Exists("etc") {
		t.Fatalf("expected init and etc entries, got keys %v", parsed.Keys)
	}
	if !bytes.Equal(parsed.Entries["init"].Data, []byte("#!/bin/sh\n")) {
		t.Fatal("init content mismatch after round trip")
	}
}

func TestInjectKeysIsIdempotent(t *testing.T) {
	a := buildArchive(map[string][]byte{
		"etc/lsvmload/specialize":        []byte("stale"),
		"lib/modules/hyperv-keyboard.ko": []byte("driver"),
	}, nil)

	InjectKeys(a, []byte("bootkeymaterial"), []byte("rootkeymaterial"))
	InjectKeys(a, []byte("bootkeymaterial"), []byte("rootkeymaterial"))

	if !a.Exists("etc") || !a.Exists("etc/lsvmload") {
		t.Fatal("expected etc and etc/lsvmload to exist")
	}
	if a.Exists("etc/lsvmload/specialize") {
		t.Fatal("expected specialize to be removed")
	}
	if a.Exists("lib/modules/hyperv-keyboard.ko") {
		t.Fatal("expected hyperv-keyboard.ko to be removed")
	}
	if !bytes.Equal(a.Entries["etc/lsvmload/bootkey"].Data, []byte("bootkeymaterial")) {
		t.Fatal("bootkey content mismatch")
	}
	if !bytes.Equal(a.Entries["etc/lsvmload/rootkey"].Data, []byte("rootkeymaterial")) {
		t.Fatal("rootkey content mismatch")
	}
}

func TestSplitSegmentsPlainCPIO(t *testing.T) {
	a := buildArchive(map[string][]byte{"init": []byte("x")}, nil)
	data := a.Marshal()

	segments, err := SplitSegments(data)
	if err != nil {
		t.Fatalf("SplitSegments: %v", err)
	}
	if len(segments) != 1 || segments[0].Format != compressfmt.CPIO {
		t.Fatalf("expected one CPIO segment, got %+v", segments)
	}
	if segments[0].Length != len(data) {
		t.Fatalf("expected segment to span entire stream, got %d of %d", segments[0].Length, len(data))
	}
}

func TestSplitSegmentsGzipThenCPIO(t *testing.T) {
	inner := buildArchive(map[string][]byte{"init": []byte("x")}, nil).Marshal()

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(inner); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	tail := buildArchive(map[string][]byte{"second": []byte("y")}, nil).Marshal()
	data := append(bytes.Clone(gz.Bytes()), tail...)

	segments, err := SplitSegments(data)
	if err != nil {
		t.Fatalf("SplitSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segments), segments)
	}
	if segments[0].Format != compressfmt.GZIP {
		t.Fatalf("expected first segment to be gzip, got %v", segments[0].Format)
	}
	if segments[1].Format != compressfmt.CPIO {
		t.Fatalf("expected second segment to be CPIO, got %v", segments[1].Format)
	}
}

func TestPatchStreamInjectsIntoEverySegment(t *testing.T) {
	first := buildArchive(map[string][]byte{"init": []byte("x")}, nil).Marshal()

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(first); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	second := buildArchive(map[string][]byte{"sbin/init": []byte("y")}, nil).Marshal()
	data := append(bytes.Clone(gz.Bytes()), second...)

	patched, err := PatchStream(data, []byte("bk"), []byte("rk"))
	if err != nil {
		t.Fatalf("PatchStream: %v", err)
	}

	segments, err := SplitSegments(patched)
	if err != nil {
		t.Fatalf("SplitSegments(patched): %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 patched segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if seg.Format != compressfmt.CPIO {
			t.Fatalf("expected patched segments to be plain CPIO, got %v", seg.Format)
		}
		archive, _, err := ParseArchive(patched[seg.Offset : seg.Offset+seg.Length])
		if err != nil {
			t.Fatalf("ParseArchive(patched segment): %v", err)
		}
		if !bytes.Equal(archive.Entries["etc/lsvmload/bootkey"].Data, []byte("bk")) {
			t.Fatal("expected bootkey injected into every segment")
		}
	}
}

func TestSplitSegmentsLZ4ThenCPIO(t *testing.T) {
	inner := buildArchive(map[string][]byte{"init": []byte("x")}, nil).Marshal()

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(inner); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}

	tail := buildArchive(map[string][]byte{"second": []byte("y")}, nil).Marshal()
	data := append(bytes.Clone(compressed.Bytes()), tail...)

	segments, err := SplitSegments(data)
	if err != nil {
		t.Fatalf("SplitSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segments), segments)
	}
	if segments[0].Format != compressfmt.LZ4 {
		t.Fatalf("expected first segment to be LZ4, got %v", segments[0].Format)
	}
	if segments[1].Format != compressfmt.CPIO {
		t.Fatalf("expected second segment to be CPIO, got %v", segments[1].Format)
	}

	patched, err := PatchStream(data, []byte("bk"), []byte("rk"))
	if err != nil {
		t.Fatalf("PatchStream: %v", err)
	}
	out, _, err := ParseArchive(patched)
	if err != nil {
		t.Fatalf("ParseArchive(patched): %v", err)
	}
	if !bytes.Equal(out.Entries["etc/lsvmload/bootkey"].Data, []byte("bk")) {
		t.Fatal("expected bootkey injected into the decompressed LZ4 segment")
	}
}
