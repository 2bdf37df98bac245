// Package tpmboot implements the TPM sealing-policy interface and
// the fixed measurement pipeline built on top of it: extend PCR 11
// with the scenario tags, measure the loader PE image after unseal,
// and cap PCR 11 so no further unseal under the pre-cap policy can
// succeed for the rest of the boot.
//
// Hardware access goes through github.com/canonical/go-tpm2; the
// event type tags follow the TCG PC Client event-log format.
package tpmboot

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"debug/pe"
	"encoding/binary"

	"lsvmshim/internal/errs"
)

// Digest256 is a SHA-256 PCR value.
type Digest256 [32]byte

// Digest1 is a SHA-1 PCR value, still required for the TCG event log's
// SHA-1 bank alongside the SHA-256 one used for unseal policies.
type Digest1 [20]byte

// EventType mirrors the TCG_PCR_EVENT2 type tags, the same numeric
// values github.com/canonical/tcglog-parser's EventType constants
// carry.
type EventType uint32

const (
	EventSeparator   EventType = 0x00000004
	EventCompactHash EventType = 0x0000000C
	EventIPL         EventType = 0x0000000D
)

// PECoffImageFlag is ORed into an EV_IPL event's first four bytes to
// flag that the measured data is a PE/COFF image digest rather than
// an opaque blob.
const PECoffImageFlag uint32 = 0x00000001

// Policy is the TPM sealing-policy interface. Two implementations
// exist: Soft (an in-process PCR bank used by tests and the CLI's
// pcr-dump action) and the hardware-backed Device in hw.go.
type Policy interface {
	ReadPCRSHA256(idx int) (Digest256, error)
	ExtendPCRSHA1(idx int, hash Digest1) error
	ExtendPCRSHA256(idx int, hash Digest256) error
	HashLogExtendPE(idx int, peImage []byte, description string) error
	HashLogExtendData(idx int, data []byte) error
	HashLogExtendSeparator(idx int) error
	Unseal(policyPCRMask uint32, blob []byte) ([]byte, error)
	Seal(policyPCRMask uint32, secret []byte) ([]byte, error)
	CapPCR(idx int) error
	Initialize() error
}

// AuthenticodePEDigest computes the Authenticode-style SHA-1 and
// SHA-256 digests of a PE/COFF image: the whole file hashed in order,
// skipping the checksum field in the optional header and the security
// (Authenticode signature) data directory entry. This is strictly the
// attestation digest; relocation and loading are the image loader's
// business.
func AuthenticodePEDigest(image []byte) (sha1Sum Digest1, sha256Sum Digest256, err error) {
	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return Digest1{}, Digest256{}, errs.New(errs.Format, "tpmboot.AuthenticodePEDigest", err)
	}
	defer f.Close()

	checksumOff, secDirOff, secDirSize, err := optionalHeaderOffsets(f, image)
	if err != nil {
		return Digest1{}, Digest256{}, err
	}

	h1 := sha1.New()
	h256 := sha256.New()
	write := func(b []byte) {
		h1.Write(b)
		h256.Write(b)
	}

	pos := 0
	skip := func(off, n int) {
		if off > pos {
			write(image[pos:off])
		}
		pos = off + n
	}
	if checksumOff > 0 {
		skip(checksumOff, 4)
	}
	if secDirOff > 0 {
		skip(secDirOff, 8)
	}
	if pos < len(image) {
		end := len(image)
		if secDirSize > 0 {
			// Exclude the trailing Authenticode signature itself.
			end = len(image) - secDirSize
			if end < pos {
				end = len(image)
			}
		}
		write(image[pos:end])
	}

	copy(sha1Sum[:], h1.Sum(nil))
	copy(sha256Sum[:], h256.Sum(nil))
	return sha1Sum, sha256Sum, nil
}

// optionalHeaderOffsets locates the file offsets of the CheckSum field
// and the IMAGE_DIRECTORY_ENTRY_SECURITY directory entry within the PE
// optional header, scanning image for the header magic debug/pe
// already validated via pe.NewFile.
func optionalHeaderOffsets(f *pe.File, image []byte) (checksumOff, secDirOff, secDirSize int, err error) {
	const (
		magicPE32   = 0x10b
		magicPE32p  = 0x20b
		secDirIndex = 4
	)
	peOff := int(binary.LittleEndian.Uint32(image[0x3C:0x40]))
	if peOff <= 0 || peOff+24 > len(image) {
		return 0, 0, 0, errs.New(errs.Format, "tpmboot.optionalHeaderOffsets", nil)
	}
	coffOff := peOff + 4
	sizeOfOptionalHeader := int(binary.LittleEndian.Uint16(image[coffOff+16 : coffOff+18]))
	optOff := coffOff + 20
	if optOff+sizeOfOptionalHeader > len(image) {
		return 0, 0, 0, errs.New(errs.Format, "tpmboot.optionalHeaderOffsets", nil)
	}
	magic := binary.LittleEndian.Uint16(image[optOff : optOff+2])

	switch magic {
	case magicPE32:
		checksumOff = optOff + 64
		dirBase := optOff + 96
		secDirOff = dirBase + secDirIndex*8
	case magicPE32p:
		checksumOff = optOff + 64
		dirBase := optOff + 112
		secDirOff = dirBase + secDirIndex*8
	default:
		return 0, 0, 0, errs.New(errs.Format, "tpmboot.optionalHeaderOffsets", nil)
	}
	if secDirOff+8 <= len(image) {
		secDirSize = int(binary.LittleEndian.Uint32(image[secDirOff+4 : secDirOff+8]))
	}
	return checksumOff, secDirOff, secDirSize, nil
}
