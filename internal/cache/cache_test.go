package cache

import (
	"testing"

	"lsvmshim/internal/blockdev"
)

func blockOf(b byte) blockdev.Block {
	var blk blockdev.Block
	for i := range blk {
		blk[i] = b
	}
	return blk
}

func TestWriteThroughReachesChild(t *testing.T) {
	child := blockdev.NewMemDevice(16, false)
	d := New(child)

	if err := d.Put(3, blockOf(0xAB)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := child.Get(3)
	if err != nil {
		t.Fatalf("child Get: %v", err)
	}
	if got != blockOf(0xAB) {
		t.Fatal("write-through mode did not reach the child device")
	}
}

func TestAbsorbModeKeepsWritesOutOfChild(t *testing.T) {
	child := blockdev.NewMemDevice(16, false)
	d := New(child)
	if err := d.SetFlags(blockdev.EnableCaching); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}

	if err := d.Put(3, blockOf(0xAB)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fromChild, err := child.Get(3)
	if err != nil {
		t.Fatalf("child Get: %v", err)
	}
	if fromChild == blockOf(0xAB) {
		t.Fatal("absorb mode leaked a write to the child device")
	}
	fromCache, err := d.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fromCache != blockOf(0xAB) {
		t.Fatal("absorbed write not visible through the cache")
	}
}

func TestWithPersistentWriteBypassesAbsorb(t *testing.T) {
	child := blockdev.NewMemDevice(16, false)
	d := New(child)
	if err := d.SetFlags(blockdev.EnableCaching); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}

	if err := d.WithPersistentWrite(func() error {
		return d.Put(7, blockOf(0xCD))
	}); err != nil {
		t.Fatalf("WithPersistentWrite: %v", err)
	}
	got, err := child.Get(7)
	if err != nil {
		t.Fatalf("child Get: %v", err)
	}
	if got != blockOf(0xCD) {
		t.Fatal("persistent write did not reach the child device")
	}

	// Absorb mode must be restored afterwards.
	if err := d.Put(8, blockOf(0xEF)); err != nil {
		t.Fatalf("Put after persistent write: %v", err)
	}
	got, err = child.Get(8)
	if err != nil {
		t.Fatalf("child Get: %v", err)
	}
	if got == blockOf(0xEF) {
		t.Fatal("absorb mode was not restored after WithPersistentWrite")
	}
}

func TestGetPopulatesCacheFromChild(t *testing.T) {
	child := blockdev.NewMemDevice(16, false)
	if err := child.Put(5, blockOf(0x55)); err != nil {
		t.Fatalf("seed child: %v", err)
	}
	d := New(child)

	got, err := d.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != blockOf(0x55) {
		t.Fatal("read-through returned wrong block")
	}

	// Mutate the child behind the cache's back; a second Get must be
	// answered from the cache.
	if err := child.Put(5, blockOf(0x66)); err != nil {
		t.Fatalf("mutate child: %v", err)
	}
	got, err = d.Get(5)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got != blockOf(0x55) {
		t.Fatal("second read was not served from the cache")
	}
}
