package gpt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildTestTable(t *testing.T) []byte {
	t.Helper()
	hdr := Header{
		Signature:                headerSignature,
		Revision:                 headerRevision,
		HeaderSize:               sizeOfHeader,
		MyLBA:                    1,
		AlternateLBA:             100,
		FirstUsableLBA:           34,
		LastUsableLBA:            90,
		PartitionEntryLBA:        2,
		NumberOfPartitionEntries: 4,
		SizeOfPartitionEntry:     sizeOfEntry,
	}
	entries := make([]Entry, 4)
	entries[0].PartitionTypeGUID = [16]byte{1}
	entries[0].UniquePartitionGUID = [16]byte{2}
	entries[0].StartingLBA = 34
	entries[0].EndingLBA = 65
	setEntryName(&entries[0], "ESP")

	buf := make([]byte, 2*blockSize+4*blockSize)
	var hb bytes.Buffer
	binary.Write(&hb, binary.LittleEndian, hdr)
	copy(buf[blockSize:], hb.Bytes())
	var eb bytes.Buffer
	for _, e := range entries {
		binary.Write(&eb, binary.LittleEndian, e)
	}
	copy(buf[2*blockSize:], eb.Bytes())
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	raw := buildTestTable(t)
	tab, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(tab.Entries))
	}
	if !tab.Entries[0].Used() {
		t.Fatal("expected first entry to be used")
	}
	if entryName(tab.Entries[0]) != "ESP" {
		t.Fatalf("expected name ESP, got %q", entryName(tab.Entries[0]))
	}
}

func TestAddPartition(t *testing.T) {
	raw := buildTestTable(t)
	tab, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	num, err := tab.AddPartition(1000)
	if err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if num != 2 {
		t.Fatalf("expected partition number 2, got %d", num)
	}

	newEntry := tab.Entries[1]
	if newEntry.StartingLBA != 66 {
		t.Fatalf("expected starting LBA 66, got %d", newEntry.StartingLBA)
	}
	if newEntry.EndingLBA != 1065 {
		t.Fatalf("expected ending LBA 1065, got %d", newEntry.EndingLBA)
	}
	if entryName(newEntry) != "BOOTFS" {
		t.Fatalf("expected name BOOTFS, got %q", entryName(newEntry))
	}
	if tab.Header.LastUsableLBA < newEntry.EndingLBA {
		t.Fatal("expected LastUsableLBA to extend to cover new partition")
	}
}

func TestAddPartitionIdempotenceRejectsSecondCall(t *testing.T) {
	raw := buildTestTable(t)
	tab, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := tab.AddPartition(1000); err != nil {
		t.Fatalf("first AddPartition: %v", err)
	}
	if _, err := tab.AddPartition(1000); err == nil {
		t.Fatal("expected second AddPartition to fail")
	}
}

func TestAddPartitionNoFreeSlots(t *testing.T) {
	raw := buildTestTable(t)
	tab, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i := 1; i < len(tab.Entries); i++ {
		tab.Entries[i].PartitionTypeGUID = [16]byte{byte(i + 10)}
		tab.Entries[i].StartingLBA = uint64(200 * i)
		tab.Entries[i].EndingLBA = uint64(200*i + 10)
		setEntryName(&tab.Entries[i], "FILLER")
	}
	if _, err := tab.AddPartition(1000); err == nil {
		t.Fatal("expected capacity error with no free slots")
	}
}

func TestMarshalPreservesHeaderFields(t *testing.T) {
	raw := buildTestTable(t)
	tab, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := tab.AddPartition(1000); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	out, err := tab.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.Header.LastUsableLBA != tab.Header.LastUsableLBA {
		t.Fatal("LastUsableLBA not preserved across marshal/parse")
	}
	if entryName(reparsed.Entries[1]) != "BOOTFS" {
		t.Fatal("BOOTFS entry not preserved across marshal/parse")
	}
}
