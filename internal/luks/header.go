// Package luks implements the LUKS v1 header codec, master-key
// recovery, and sector-level encrypt/decrypt, wrapping a
// blockdev.Bdev so the decrypted payload is addressable the same way
// as any other block device.
package luks

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"lsvmshim/internal/errs"
)

const (
	headerSize  = 1024
	numKeySlots = 8

	slotEnabled  uint32 = 0x00ac71f3
	slotDisabled uint32 = 0x0000dead
)

var magic = [6]byte{'L', 'U', 'K', 'S', 0xba, 0xbe}

// CipherMode names the supported combinations of cipher and chaining
// mode; anything else is Unsupported.
type CipherMode int

const (
	ModeXTSPlain64 CipherMode = iota
	ModeCBCPlain
	ModeCBCESSIV
	ModeECB
)

// KeySlot is one of the header's eight fixed key slots.
type KeySlot struct {
	Active         bool
	Iterations     uint32
	Salt           [32]byte
	KeyMaterialOff uint32 // in sectors
	Stripes        uint32
}

// onDiskHeader is the big-endian, fixed-layout LUKS v1 header as
// stored in block 0. Field widths follow the LUKS1 on-disk format.
type onDiskHeader struct {
	Magic         [6]byte
	Version       uint16
	CipherName    [32]byte
	CipherMode    [32]byte
	HashSpec      [32]byte
	PayloadOffset uint32
	KeyBytes      uint32
	MKDigest      [20]byte
	MKDigestSalt  [32]byte
	MKIterations  uint32
	UUID          [40]byte
	Slots         [numKeySlots]onDiskSlot
}

type onDiskSlot struct {
	Active         uint32
	Iterations     uint32
	Salt           [32]byte
	KeyMaterialOff uint32
	Stripes        uint32
}

// Header is the parsed, host-order rendition of onDiskHeader.
type Header struct {
	CipherName    string
	CipherMode    CipherMode
	HashSpec      string
	PayloadOffset uint64 // in sectors
	KeyBytes      int
	MKDigest      [20]byte
	MKDigestSalt  [32]byte
	MKIterations  uint32
	UUID          string
	Slots         [numKeySlots]KeySlot
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func parseCipherMode(mode string) (CipherMode, error) {
	switch {
	case mode == "xts-plain64":
		return ModeXTSPlain64, nil
	case mode == "cbc-plain":
		return ModeCBCPlain, nil
	case len(mode) >= 10 && mode[:10] == "cbc-essiv:":
		return ModeCBCESSIV, nil
	case mode == "ecb":
		return ModeECB, nil
	default:
		return 0, errs.New(errs.Unsupported, "luks.parseCipherMode", fmt.Errorf("unsupported cipher mode %q", mode))
	}
}

// ParseHeader reads block 0 (the first 1024 bytes) of raw, verifies
// the magic, and byte-swaps the big-endian on-disk layout into a
// Header.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < headerSize {
		return nil, errs.New(errs.Format, "luks.ParseHeader", fmt.Errorf("short header: %d bytes", len(raw)))
	}

	var disk onDiskHeader
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.BigEndian, &disk); err != nil {
		return nil, errs.New(errs.Format, "luks.ParseHeader", err)
	}
	if !bytes.Equal(disk.Magic[:], magic[:]) {
		return nil, errs.New(errs.Format, "luks.ParseHeader", fmt.Errorf("bad magic"))
	}

	mode, err := parseCipherMode(cstr(disk.CipherMode[:]))
	if err != nil {
		return nil, err
	}

	h := &Header{
		CipherName:    cstr(disk.CipherName[:]),
		CipherMode:    mode,
		HashSpec:      cstr(disk.HashSpec[:]),
		PayloadOffset: uint64(disk.PayloadOffset),
		KeyBytes:      int(disk.KeyBytes),
		MKDigest:      disk.MKDigest,
		MKDigestSalt:  disk.MKDigestSalt,
		MKIterations:  disk.MKIterations,
		UUID:          cstr(disk.UUID[:]),
	}
	for i, s := range disk.Slots {
		h.Slots[i] = KeySlot{
			Active:         s.Active == slotEnabled,
			Iterations:     s.Iterations,
			Salt:           s.Salt,
			KeyMaterialOff: s.KeyMaterialOff,
			Stripes:        s.Stripes,
		}
	}
	return h, nil
}
