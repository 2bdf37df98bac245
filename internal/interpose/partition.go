package interpose

import (
	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
	"lsvmshim/internal/firmware"
	"lsvmshim/internal/gpt"
)

// hardDriveSubType is the EFI device-path HardDrive node sub-type
// (MEDIA_HARDDRIVE_DP), the node AddPseudoPartition edits in the
// cloned device path.
const hardDriveSubType = 0x01
const mediaDevicePathType = 0x04

// PseudoPartition is the result of synthesizing the BOOTFS partition:
// the number of the GPT entry that was appended and the edited device
// path that names it.
type PseudoPartition struct {
	PartitionNumber int
	DevicePath      firmware.DevicePath
}

// AddPseudoPartition appends a GPT entry covering the decrypted boot
// volume, clones an existing hard-drive device path and edits its
// final node to match, registers the new LBA range as a Bdev-backed
// region so the root-BIO shims transparently redirect reads/writes
// there, and grows LastUsableLBA / the root BIO's advertised
// LastBlock if the new partition extends past them.
func AddPseudoPartition(table *gpt.Table, root *RootBIO, firstHDPath firmware.DevicePath, decryptedBootVol blockdev.Bdev, sectorCount uint64) (*PseudoPartition, error) {
	num, err := table.AddPartition(sectorCount)
	if err != nil {
		return nil, err
	}
	entry := table.Entries[num-1]

	devPath := firstHDPath.Clone()
	if len(devPath) == 0 {
		return nil, errs.New(errs.Format, "interpose.AddPseudoPartition", nil)
	}
	last := len(devPath) - 1
	devPath[last] = cloneHardDriveNode(devPath[last], entry, num)

	first := entry.StartingLBA
	lastLBA := entry.EndingLBA
	if err := root.AddBdevRegion(RegionBoot, first, lastLBA, false, decryptedBootVol); err != nil {
		return nil, err
	}

	if lastLBA > root.original.LastBlock() {
		root.original.SetLastBlock(lastLBA)
	}

	return &PseudoPartition{PartitionNumber: num, DevicePath: devPath}, nil
}

// cloneHardDriveNode rewrites the partition-number, starting-LBA,
// size-in-LBA, and partition-signature fields of a HardDrive
// device-path node to describe the newly appended GPT entry.
func cloneHardDriveNode(node firmware.DevicePathNode, entry gpt.Entry, partNumber int) firmware.DevicePathNode {
	out := firmware.DevicePathNode{Type: mediaDevicePathType, SubType: hardDriveSubType}
	data := make([]byte, 24) // PartitionNumber(4) PartitionStart(8) PartitionSize(8) Signature(4, low bytes of GUID here)
	putUint32(data[0:4], uint32(partNumber))
	putUint64(data[4:12], entry.StartingLBA)
	putUint64(data[12:20], entry.EndingLBA-entry.StartingLBA+1)
	copy(data[20:24], entry.UniquePartitionGUID[0:4])
	out.Data = data
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
