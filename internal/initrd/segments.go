package initrd

import (
	"fmt"

	"lsvmshim/internal/compressfmt"
	"lsvmshim/internal/compressutil"
	"lsvmshim/internal/errs"
)

// MaxSubfiles bounds how many segments SplitSegments will ever
// return; a real initrd concatenation carries a handful at most, so
// more than this many means a malformed stream, not a bigger one.
const MaxSubfiles = 8

// Segment is one (offset, length) span of the initrd identified by
// its leading magic.
type Segment struct {
	Format compressfmt.Format
	Offset int
	Length int
}

// SplitSegments walks data identifying each segment by its leading
// magic, trying {LZMA, gzip, LZ4, CPIO} in that order at every
// boundary. Compressed segments are measured by decompressing them
// and counting bytes consumed (see compressutil.DecompressCounting);
// CPIO segments are measured by locating their TRAILER!!! record.
func SplitSegments(data []byte) ([]Segment, error) {
	var segments []Segment
	pos := 0
	for pos < len(data) {
		if len(segments) >= MaxSubfiles {
			return nil, errs.New(errs.Capacity, "initrd.SplitSegments", fmt.Errorf("more than %d segments", MaxSubfiles))
		}
		format := compressfmt.Detect(data[pos:])
		var length int
		switch format {
		case compressfmt.LZMA, compressfmt.GZIP, compressfmt.LZ4:
			_, consumed, err := compressutil.DecompressCounting(format, data[pos:])
			if err != nil {
				return nil, err
			}
			length = consumed
		case compressfmt.CPIO:
			_, consumed, err := ParseArchive(data[pos:])
			if err != nil {
				return nil, err
			}
			length = consumed
		default:
			return nil, errs.New(errs.Format, "initrd.SplitSegments", fmt.Errorf("unrecognized segment at offset %d", pos))
		}
		segments = append(segments, Segment{Format: format, Offset: pos, Length: length})
		pos += length
	}
	return segments, nil
}

// PatchStream applies the CPIO key injection to every segment of an
// initrd, re-emitting compressed segments as plain CPIO (the kernel's
// initrd loader accepts mixed segments, so recompression is not
// required) and concatenating the result in original segment order.
func PatchStream(data []byte, bootKey, rootKey []byte) ([]byte, error) {
	segments, err := SplitSegments(data)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, seg := range segments {
		raw := data[seg.Offset : seg.Offset+seg.Length]

		var archiveBytes []byte
		switch seg.Format {
		case compressfmt.CPIO:
			archiveBytes = raw
		case compressfmt.LZMA, compressfmt.GZIP, compressfmt.LZ4:
			decompressed, err := compressutil.Decompress(seg.Format, raw)
			if err != nil {
				return nil, err
			}
			archiveBytes = decompressed
		}

		archive, _, err := ParseArchive(archiveBytes)
		if err != nil {
			return nil, err
		}
		InjectKeys(archive, bootKey, rootKey)
		out = append(out, archive.Marshal()...)
	}
	return out, nil
}
