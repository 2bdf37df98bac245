package vfat

import (
	"bytes"
	"encoding/binary"
	"testing"

	"lsvmshim/internal/blockdev"
)

// buildTestFAT12 constructs a minimal valid FAT12 volume: 1 reserved
// sector, a single 1-sector FAT, a 1-sector (16-entry) root directory,
// and 10 one-sector data clusters.
func buildTestFAT12(t *testing.T) *FS {
	t.Helper()
	const totalSectors = 13
	dev := blockdev.NewMemDevice(totalSectors, false)

	bpb := make([]byte, 512)
	binary.LittleEndian.PutUint16(bpb[11:13], 512) // bytesPerSector
	bpb[13] = 1                                    // sectorsPerCluster
	binary.LittleEndian.PutUint16(bpb[14:16], 1)   // reservedSectors
	bpb[16] = 1                                    // numFATs
	binary.LittleEndian.PutUint16(bpb[17:19], 16)  // rootEntCount
	binary.LittleEndian.PutUint16(bpb[19:21], totalSectors)
	binary.LittleEndian.PutUint16(bpb[22:24], 1) // sectorsPerFAT16
	if err := blockdev.WriteAt(dev, 0, bpb); err != nil {
		t.Fatalf("write BPB: %v", err)
	}

	fs, err := Mount(dev)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if fs.typ != TypeFAT12 {
		t.Fatalf("expected FAT12, got %v", fs.typ)
	}
	return fs
}

func TestMountInfersFAT12(t *testing.T) {
	fs := buildTestFAT12(t)
	if fs.clusterCount == 0 {
		t.Fatal("expected non-zero cluster count")
	}
}

func TestPutFileAndGetFileRoundTrip(t *testing.T) {
	fs := buildTestFAT12(t)
	content := []byte("bootkey-material")
	if err := fs.PutFile("/BOOTKEY.BIN", content); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	got, err := fs.GetFile("/BOOTKEY.BIN")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round-tripped content mismatch: got %q want %q", got, content)
	}
}

func TestStatDistinguishesDirAndFile(t *testing.T) {
	fs := buildTestFAT12(t)
	if err := fs.Mkdir("/EFI"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	isDir, _, err := fs.Stat("/EFI")
	if err != nil {
		t.Fatalf("Stat(/EFI): %v", err)
	}
	if !isDir {
		t.Fatal("expected /EFI to be a directory")
	}

	if err := fs.PutFile("/EFI/GRUBX64.EFI", []byte("loader")); err != nil {
		t.Fatalf("PutFile in subdir: %v", err)
	}
	isDir, size, err := fs.Stat("/EFI/GRUBX64.EFI")
	if err != nil {
		t.Fatalf("Stat(/EFI/GRUBX64.EFI): %v", err)
	}
	if isDir {
		t.Fatal("expected GRUBX64.EFI to be a file")
	}
	if size != uint32(len("loader")) {
		t.Fatalf("expected size %d, got %d", len("loader"), size)
	}
}

func TestDirListsShortNames(t *testing.T) {
	fs := buildTestFAT12(t)
	if err := fs.PutFile("/A.TXT", []byte("a")); err != nil {
		t.Fatalf("PutFile A: %v", err)
	}
	if err := fs.PutFile("/B.TXT", []byte("b")); err != nil {
		t.Fatalf("PutFile B: %v", err)
	}
	names, err := fs.Dir("/")
	if err != nil {
		t.Fatalf("Dir(/): %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["A.TXT"] || !found["B.TXT"] {
		t.Fatalf("expected both A.TXT and B.TXT in %v", names)
	}
}

func TestGetFileOnDirectoryFails(t *testing.T) {
	fs := buildTestFAT12(t)
	if err := fs.Mkdir("/EFI"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.GetFile("/EFI"); err == nil {
		t.Fatal("expected GetFile on a directory to fail")
	}
}

func TestResolveMissingPathFails(t *testing.T) {
	fs := buildTestFAT12(t)
	if _, err := fs.GetFile("/NOPE.TXT"); err == nil {
		t.Fatal("expected lookup of a missing file to fail")
	}
}
