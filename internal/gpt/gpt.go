// Package gpt implements GUID Partition Table header and entry
// parsing and the single mutation this design needs: appending a
// synthetic partition entry describing the decrypted boot volume.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"lsvmshim/internal/errs"
)

const (
	blockSize              = 512
	headerSignature        = 0x5452415020494645 // "EFI PART"
	headerRevision         = 0x00010000
	sizeOfHeader    uint32 = 92
	sizeOfEntry     uint32 = 128
)

// Header is the big-endian-free (GPT is little-endian), fixed 92-byte
// GPT header. ReservedEnd pads the struct out to one logical block.
type Header struct {
	Signature                uint64
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	Reserved                 uint32
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 uint32
	ReservedEnd              [420]byte
}

// Entry is one 128-byte GPT partition entry.
type Entry struct {
	PartitionTypeGUID   [16]byte
	UniquePartitionGUID [16]byte
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
	PartitionName       [72]byte
}

// Table is the parsed header plus its entry array, the in-RAM form
// the region installer serves in place of the on-disk GPT.
type Table struct {
	Header  Header
	Entries []Entry
}

// Parse reads a GPT header at LBA 1 and its entry array from raw,
// where raw begins at LBA 0 (the protective MBR) and is at least long
// enough to cover the entry array.
func Parse(raw []byte) (*Table, error) {
	if len(raw) < 2*blockSize {
		return nil, errs.New(errs.Format, "gpt.Parse", fmt.Errorf("short buffer"))
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(raw[blockSize:2*blockSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, errs.New(errs.Format, "gpt.Parse", err)
	}
	if hdr.Signature != headerSignature {
		return nil, errs.New(errs.Format, "gpt.Parse", fmt.Errorf("bad GPT signature"))
	}

	entryArrayOff := hdr.PartitionEntryLBA * blockSize
	entryArrayLen := uint64(hdr.NumberOfPartitionEntries) * uint64(hdr.SizeOfPartitionEntry)
	if entryArrayOff+entryArrayLen > uint64(len(raw)) {
		return nil, errs.New(errs.Format, "gpt.Parse", fmt.Errorf("entry array out of bounds"))
	}

	entries := make([]Entry, hdr.NumberOfPartitionEntries)
	r := bytes.NewReader(raw[entryArrayOff : entryArrayOff+entryArrayLen])
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, errs.New(errs.Format, "gpt.Parse", err)
		}
	}
	return &Table{Header: hdr, Entries: entries}, nil
}

// Used reports whether an entry is occupied (a non-zero type GUID).
func (e Entry) Used() bool {
	var zero [16]byte
	return e.PartitionTypeGUID != zero
}

// partitionNumber is derived from the entry's position in the array
// (entries are stored in a fixed-size array indexed from 1), which is
// how every consumer of the array — including the loader — numbers
// partitions.
func (t *Table) partitionNumber(idx int) int { return idx + 1 }

// bootfsTypeGUID is the fixed fallback type GUID for the synthesized
// BOOTFS partition when no adjacent entry exists to copy from.
var bootfsTypeGUID = uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")

// AddPartition appends a new entry covering sectorCount sectors
// immediately following the partition with the largest starting LBA.
// It mutates t in place and returns the new entry's 1-based partition
// number.
//
// Calling AddPartition twice with the same volume is rejected: a name
// match against an existing "BOOTFS" entry makes the operation fail
// rather than silently duplicate the partition.
func (t *Table) AddPartition(sectorCount uint64) (int, error) {
	const bootfsName = "BOOTFS"
	for _, e := range t.Entries {
		if e.Used() && entryName(e) == bootfsName {
			return 0, errs.New(errs.Invariant, "gpt.AddPartition", fmt.Errorf("BOOTFS partition already present"))
		}
	}

	maxNumber := 0
	maxStart := -1
	maxStartLBA := uint64(0)
	maxSize := uint64(0)
	var typeGUID [16]byte
	anyUsed := false
	for i, e := range t.Entries {
		if !e.Used() {
			continue
		}
		anyUsed = true
		num := t.partitionNumber(i)
		if num > maxNumber {
			maxNumber = num
		}
		if maxStart < 0 || e.StartingLBA > maxStartLBA {
			maxStart = i
			maxStartLBA = e.StartingLBA
			maxSize = e.EndingLBA - e.StartingLBA + 1
			typeGUID = e.PartitionTypeGUID
		}
	}
	if !anyUsed {
		return 0, errs.New(errs.Format, "gpt.AddPartition", fmt.Errorf("no existing partitions to anchor against"))
	}

	freeIdx := -1
	for i, e := range t.Entries {
		if !e.Used() {
			freeIdx = i
			break
		}
	}
	if freeIdx < 0 {
		return 0, errs.New(errs.Capacity, "gpt.AddPartition", fmt.Errorf("no free GPT entry slots"))
	}

	startingLBA := maxStartLBA + maxSize
	endingLBA := startingLBA + sectorCount - 1

	newUnique, err := uuid.NewRandom()
	if err != nil {
		return 0, errs.New(errs.Invariant, "gpt.AddPartition", err)
	}

	entry := Entry{
		PartitionTypeGUID:   typeGUID,
		UniquePartitionGUID: toMixedEndianGUID(newUnique),
	}
	if entry.PartitionTypeGUID == ([16]byte{}) {
		entry.PartitionTypeGUID = toMixedEndianGUID(bootfsTypeGUID)
	}
	entry.StartingLBA = startingLBA
	entry.EndingLBA = endingLBA
	setEntryName(&entry, bootfsName)

	t.Entries[freeIdx] = entry

	if endingLBA > t.Header.LastUsableLBA {
		t.Header.LastUsableLBA = endingLBA
	}
	return t.partitionNumber(freeIdx), nil
}

func entryName(e Entry) string {
	var b []byte
	for i := 0; i+1 < len(e.PartitionName); i += 2 {
		r := binary.LittleEndian.Uint16(e.PartitionName[i : i+2])
		if r == 0 {
			break
		}
		b = append(b, byte(r))
	}
	return string(b)
}

func setEntryName(e *Entry, name string) {
	for i := range e.PartitionName {
		e.PartitionName[i] = 0
	}
	for i, r := range name {
		if 2*i+1 >= len(e.PartitionName) {
			break
		}
		binary.LittleEndian.PutUint16(e.PartitionName[2*i:2*i+2], uint16(r))
	}
}

// toMixedEndianGUID converts a canonical (big-endian, RFC 4122) UUID
// into the mixed-endian layout the GPT/EFI on-disk format uses for its
// first three fields.
func toMixedEndianGUID(u uuid.UUID) [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint32(out[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(out[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(out[8:16], u[8:16])
	return out
}

// Marshal serializes the header and entry array back into a flat
// byte buffer shaped like the on-disk region: LBA 1 is the header,
// the entry array follows at its recorded LBA.
func (t *Table) Marshal() ([]byte, error) {
	buf := make([]byte, blockSize+blockSize) // placeholder for LBA0 (pMBR, caller-owned) + header block
	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, t.Header); err != nil {
		return nil, errs.New(errs.Format, "gpt.Table.Marshal", err)
	}
	copy(buf[blockSize:], hdrBuf.Bytes())

	entryArrayOff := t.Header.PartitionEntryLBA * blockSize
	entryArrayLen := uint64(t.Header.NumberOfPartitionEntries) * uint64(t.Header.SizeOfPartitionEntry)
	if uint64(len(buf)) < entryArrayOff+entryArrayLen {
		grown := make([]byte, entryArrayOff+entryArrayLen)
		copy(grown, buf)
		buf = grown
	}
	var entryBuf bytes.Buffer
	for _, e := range t.Entries {
		if err := binary.Write(&entryBuf, binary.LittleEndian, e); err != nil {
			return nil, errs.New(errs.Format, "gpt.Table.Marshal", err)
		}
	}
	copy(buf[entryArrayOff:], entryBuf.Bytes())
	return buf, nil
}
