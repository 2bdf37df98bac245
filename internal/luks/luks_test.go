package luks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
)

const (
	testKeyBytes       = 64 // xts-plain64 with two AES-256 halves
	testStripes        = 8  // keeps the AF material sector-aligned
	testIterations     = 1000
	testMaterialSector = 8
	testPayloadSector  = 16
)

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

// buildTestImage lays a one-slot LUKS v1 volume into a memory device:
// header at block 0, AF key material at testMaterialSector, one
// encrypted payload sector at testPayloadSector. slot selects which of
// the eight key slots carries the material.
func buildTestImage(t *testing.T, passphrase []byte, slot int) (*blockdev.MemDevice, []byte, []byte) {
	t.Helper()

	mk := make([]byte, testKeyBytes)
	fill(mk, 0x11)

	var disk onDiskHeader
	disk.Magic = magic
	disk.Version = 1
	copy(disk.CipherName[:], "aes")
	copy(disk.CipherMode[:], "xts-plain64")
	copy(disk.HashSpec[:], "sha256")
	disk.PayloadOffset = testPayloadSector
	disk.KeyBytes = testKeyBytes
	disk.MKIterations = testIterations
	copy(disk.UUID[:], "8fa7ae43-34f3-4054-8826-6e68a0b1d63f")

	mkDigest := pbkdf2.Key(mk, disk.MKDigestSalt[:], testIterations, len(disk.MKDigest), sha256.New)
	copy(disk.MKDigest[:], mkDigest)

	disk.Slots[slot].Active = slotEnabled
	disk.Slots[slot].Iterations = testIterations
	disk.Slots[slot].KeyMaterialOff = testMaterialSector
	disk.Slots[slot].Stripes = testStripes
	for i := range disk.Slots {
		if i != slot {
			disk.Slots[i].Active = slotDisabled
		}
	}

	// AF-split: pick all but the last stripe, run the merge forward,
	// and solve for the final stripe so the merge lands on mk.
	stripes := make([][]byte, testStripes)
	k := make([]byte, testKeyBytes)
	for i := 0; i < testStripes-1; i++ {
		stripes[i] = make([]byte, testKeyBytes)
		fill(stripes[i], byte(0x40+i))
		for j := range k {
			k[j] ^= stripes[i][j]
		}
		diffuse(k, sha256.New)
	}
	last := make([]byte, testKeyBytes)
	for j := range last {
		last[j] = k[j] ^ mk[j]
	}
	stripes[testStripes-1] = last

	material := make([]byte, 0, testKeyBytes*testStripes)
	for _, s := range stripes {
		material = append(material, s...)
	}

	slotKey := pbkdf2.Key(passphrase, disk.Slots[slot].Salt[:], testIterations, testKeyBytes, sha256.New)
	slotCodec, err := newSectorCodec(ModeXTSPlain64, slotKey)
	if err != nil {
		t.Fatalf("slot codec: %v", err)
	}
	encMaterial, err := slotCodec.encryptMulti(testMaterialSector, material)
	if err != nil {
		t.Fatalf("encrypt AF material: %v", err)
	}

	plain := make([]byte, sectorSize)
	fill(plain, 0x77)
	mkCodec, err := newSectorCodec(ModeXTSPlain64, mk)
	if err != nil {
		t.Fatalf("mk codec: %v", err)
	}
	encPayload, err := mkCodec.encryptMulti(testPayloadSector, plain)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.BigEndian, disk); err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	dev := blockdev.NewMemDevice(64, false)
	if err := blockdev.WriteAt(dev, 0, hdrBuf.Bytes()); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := blockdev.WriteAt(dev, testMaterialSector*sectorSize, encMaterial); err != nil {
		t.Fatalf("write AF material: %v", err)
	}
	if err := blockdev.WriteAt(dev, testPayloadSector*sectorSize, encPayload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return dev, mk, plain
}

func TestOpenWithPassphraseRoundTrip(t *testing.T) {
	dev, _, plain := buildTestImage(t, []byte("test"), 0)

	d, err := OpenWithPassphrase(dev, []byte("test"))
	if err != nil {
		t.Fatalf("OpenWithPassphrase: %v", err)
	}
	got, err := d.GetPayloadSector(0)
	if err != nil {
		t.Fatalf("GetPayloadSector: %v", err)
	}
	if !bytes.Equal(got[:], plain) {
		t.Fatal("decrypted payload sector does not match the plaintext it was built from")
	}

	var zeros blockdev.Block
	if err := d.PutPayloadSector(0, zeros); err != nil {
		t.Fatalf("PutPayloadSector: %v", err)
	}
	got, err = d.GetPayloadSector(0)
	if err != nil {
		t.Fatalf("GetPayloadSector after put: %v", err)
	}
	if got != zeros {
		t.Fatal("overwritten sector did not read back as zeros")
	}

	// The overwrite must have landed encrypted on the raw device.
	rawBlk, err := dev.Get(testPayloadSector)
	if err != nil {
		t.Fatalf("raw Get: %v", err)
	}
	if rawBlk == zeros {
		t.Fatal("raw device holds plaintext zeros; payload write bypassed the codec")
	}
}

func TestFromMasterKeyMatchesPassphraseOpen(t *testing.T) {
	dev, mk, plain := buildTestImage(t, []byte("test"), 0)

	viaPass, err := OpenWithPassphrase(dev, []byte("test"))
	if err != nil {
		t.Fatalf("OpenWithPassphrase: %v", err)
	}
	if !bytes.Equal(viaPass.MasterKey(), mk) {
		t.Fatal("recovered master key differs from the key the image was built with")
	}

	viaMK, err := FromMasterKey(dev, viaPass.Header(), mk)
	if err != nil {
		t.Fatalf("FromMasterKey: %v", err)
	}
	a, err := viaPass.Get(0)
	if err != nil {
		t.Fatalf("Get via passphrase: %v", err)
	}
	b, err := viaMK.Get(0)
	if err != nil {
		t.Fatalf("Get via master key: %v", err)
	}
	if a != b {
		t.Fatal("passphrase-opened and master-key-opened views disagree")
	}
	if !bytes.Equal(a[:], plain) {
		t.Fatal("decrypted sector does not match plaintext")
	}
}

func TestOpenWithWrongPassphraseFails(t *testing.T) {
	dev, _, _ := buildTestImage(t, []byte("test"), 0)
	if _, err := OpenWithPassphrase(dev, []byte("wrong")); err == nil {
		t.Fatal("expected open to fail with a wrong passphrase")
	} else if !errs.Is(err, errs.Auth) {
		t.Fatalf("got %v, want an Auth-kind error", err)
	}
}

func TestSlotScanReachesLastSlot(t *testing.T) {
	dev, _, _ := buildTestImage(t, []byte("test"), numKeySlots-1)
	if _, err := OpenWithPassphrase(dev, []byte("test")); err != nil {
		t.Fatalf("expected the scan to find the material in the last slot: %v", err)
	}
}
