package luks

import (
	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
)

// Device wraps a raw blockdev.Bdev and holds a private master-key
// copy, zeroed on Close. Get/Put
// operate on the decrypted payload view; payload-relative LBAs are
// translated to raw device LBAs by adding the header's payload
// offset.
type Device struct {
	raw    blockdev.Bdev
	header *Header
	codec  *sectorCodec
	mk     []byte
}

// OpenWithPassphrase recovers the master key from one of the header's
// enabled key slots by trying the passphrase against each in turn,
// then wraps raw with the resulting Device. Returns errs.Auth only
// after every enabled slot has been tried.
func OpenWithPassphrase(raw blockdev.Bdev, passphrase []byte) (*Device, error) {
	hdrBlock, err := raw.Get(0)
	if err != nil {
		return nil, errs.New(errs.Io, "luks.OpenWithPassphrase", err)
	}
	hdrBytes := make([]byte, 0, headerSize)
	hdrBytes = append(hdrBytes, hdrBlock[:]...)
	for len(hdrBytes) < headerSize {
		blk, err := raw.Get(uint64(len(hdrBytes) / blockdev.BlockSize))
		if err != nil {
			return nil, errs.New(errs.Io, "luks.OpenWithPassphrase", err)
		}
		hdrBytes = append(hdrBytes, blk[:]...)
	}

	header, err := ParseHeader(hdrBytes)
	if err != nil {
		return nil, err
	}

	readAndDecryptAF := func(slotKey []byte, startSector uint64, length int) ([]byte, error) {
		codec, err := newSectorCodec(header.CipherMode, slotKey)
		if err != nil {
			return nil, err
		}
		ciphertext, err := readRawSectors(raw, startSector, length)
		if err != nil {
			return nil, err
		}
		return codec.decryptMulti(startSector, ciphertext)
	}

	mk, _, err := recoverMasterKey(header, passphrase, readAndDecryptAF)
	if err != nil {
		return nil, err
	}
	return FromMasterKey(raw, header, mk)
}

// FromMasterKey wraps raw with a Device using an already-known master
// key, the path taken after a successful TPM unseal.
func FromMasterKey(raw blockdev.Bdev, header *Header, mk []byte) (*Device, error) {
	codec, err := newSectorCodec(header.CipherMode, mk)
	if err != nil {
		return nil, err
	}
	mkCopy := make([]byte, len(mk))
	copy(mkCopy, mk)
	return &Device{raw: raw, header: header, codec: codec, mk: mkCopy}, nil
}

func readRawSectors(raw blockdev.Bdev, startSector uint64, length int) ([]byte, error) {
	n := (length + sectorSize - 1) / sectorSize
	out := make([]byte, 0, n*sectorSize)
	for i := 0; i < n; i++ {
		blk, err := raw.Get(startSector + uint64(i))
		if err != nil {
			return nil, errs.New(errs.Io, "luks.readRawSectors", err)
		}
		out = append(out, blk[:]...)
	}
	return out[:length], nil
}

// MasterKey returns a copy of the recovered master key, used by the
// initrd patcher and the specialization applier.
func (d *Device) MasterKey() []byte {
	mk := make([]byte, len(d.mk))
	copy(mk, d.mk)
	return mk
}

// Header returns the parsed on-disk header.
func (d *Device) Header() *Header { return d.header }

// Close zeroes the private master-key copy and closes the raw device.
func (d *Device) Close() error {
	for i := range d.mk {
		d.mk[i] = 0
	}
	return d.raw.Close()
}

// Get decrypts one 512-byte block at payload-relative lba.
func (d *Device) Get(lba uint64) (blockdev.Block, error) {
	rawLBA := d.header.PayloadOffset + lba
	ciphertext, err := d.raw.Get(rawLBA)
	if err != nil {
		return blockdev.Block{}, errs.New(errs.Io, "luks.Device.Get", err)
	}
	plain, err := d.codec.decryptSector(rawLBA, ciphertext[:])
	if err != nil {
		return blockdev.Block{}, err
	}
	var out blockdev.Block
	copy(out[:], plain)
	return out, nil
}

// Put encrypts and writes one 512-byte block at payload-relative lba.
func (d *Device) Put(lba uint64, b blockdev.Block) error {
	rawLBA := d.header.PayloadOffset + lba
	cipherBytes, err := d.codec.encryptSector(rawLBA, b[:])
	if err != nil {
		return err
	}
	var cipherBlock blockdev.Block
	copy(cipherBlock[:], cipherBytes)
	return d.raw.Put(rawLBA, cipherBlock)
}

// SetFlags is opaque at this layer; it forwards to the raw device.
func (d *Device) SetFlags(flags uint32) error { return d.raw.SetFlags(flags) }

// GetPayloadSector and PutPayloadSector are explicit payload-relative
// names for the same Get/Put operations.
func (d *Device) GetPayloadSector(lba uint64) (blockdev.Block, error) { return d.Get(lba) }
func (d *Device) PutPayloadSector(lba uint64, b blockdev.Block) error { return d.Put(lba, b) }
