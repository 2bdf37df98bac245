package interpose

import (
	"bytes"
	"testing"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/firmware"
)

// A read straddling a region boundary must be stitched from both
// sources: after installing a region at LBA 1000-1999, a read of 2KB
// at LBA 999 returns 1 block from the original BIO followed by 3
// blocks served by the region's backing device at relative 0..2.
func TestReadShimSplitsAcrossRegionBoundary(t *testing.T) {
	orig := firmware.NewMemBlockIO(2000, blockdev.BlockSize)
	var origBlock blockdev.Block
	for i := range origBlock {
		origBlock[i] = 0xAA
	}
	if err := orig.WriteBlocks(999, origBlock[:]); err != nil {
		t.Fatalf("seed original: %v", err)
	}

	regionDev := blockdev.NewMemDevice(10, false)
	for i := uint64(0); i < 4; i++ {
		var blk blockdev.Block
		for j := range blk {
			blk[j] = byte(0x10 + i)
		}
		if err := regionDev.Put(i, blk); err != nil {
			t.Fatalf("seed region: %v", err)
		}
	}

	root := NewRootBIO(orig)
	root.EnableHooks()
	if err := root.AddBdevRegion(RegionBoot, 1000, 1999, false, regionDev); err != nil {
		t.Fatalf("AddBdevRegion: %v", err)
	}

	buf := make([]byte, 4*blockdev.BlockSize)
	if err := root.ReadShim(999, buf); err != nil {
		t.Fatalf("ReadShim: %v", err)
	}

	if !bytes.Equal(buf[0:blockdev.BlockSize], origBlock[:]) {
		t.Fatal("expected first block to come from the original BIO")
	}
	for i := uint64(0); i < 3; i++ {
		got := buf[(i+1)*blockdev.BlockSize : (i+2)*blockdev.BlockSize]
		want := byte(0x10 + i)
		for _, b := range got {
			if b != want {
				t.Fatalf("region block %d: got byte %x, want %x", i, b, want)
			}
		}
	}
}

func TestWriteShimRejectsReadOnlyRegion(t *testing.T) {
	orig := firmware.NewMemBlockIO(2000, blockdev.BlockSize)
	root := NewRootBIO(orig)
	root.EnableHooks()
	ramBlocks := make([]blockdev.Block, 10)
	if err := root.AddRAMRegion(RegionGPT, 0, 9, true, ramBlocks); err != nil {
		t.Fatalf("AddRAMRegion: %v", err)
	}

	buf := make([]byte, blockdev.BlockSize)
	if err := root.WriteShim(0, buf); err == nil {
		t.Fatal("expected WriteProtected against a read-only region")
	}
}

func TestAddRegionRejectsOverlap(t *testing.T) {
	orig := firmware.NewMemBlockIO(2000, blockdev.BlockSize)
	root := NewRootBIO(orig)
	if err := root.AddRAMRegion(RegionGPT, 0, 33, true, make([]blockdev.Block, 34)); err != nil {
		t.Fatalf("first AddRAMRegion: %v", err)
	}
	if err := root.AddRAMRegion(RegionESP, 20, 40, true, make([]blockdev.Block, 21)); err == nil {
		t.Fatal("expected overlap rejection")
	}
}

func TestHooksDisabledPassesThrough(t *testing.T) {
	orig := firmware.NewMemBlockIO(2000, blockdev.BlockSize)
	var seed blockdev.Block
	seed[0] = 0x42
	if err := orig.WriteBlocks(5, seed[:]); err != nil {
		t.Fatalf("seed: %v", err)
	}

	root := NewRootBIO(orig)
	if err := root.AddRAMRegion(RegionBoot, 0, 100, false, make([]blockdev.Block, 101)); err != nil {
		t.Fatalf("AddRAMRegion: %v", err)
	}

	buf := make([]byte, blockdev.BlockSize)
	if err := root.ReadShim(5, buf); err != nil {
		t.Fatalf("ReadShim: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatal("expected pass-through to the original device while hooks are disabled")
	}
}
