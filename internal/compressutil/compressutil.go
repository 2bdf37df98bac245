// Package compressutil wraps the LZMA, gzip, and LZ4 codecs the
// initrd patcher needs to see through compressed segments.
package compressutil

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"

	"lsvmshim/internal/compressfmt"
	"lsvmshim/internal/errs"
)

// Decompress inflates buf according to format, returning the
// uncompressed stream.
func Decompress(format compressfmt.Format, buf []byte) ([]byte, error) {
	out, _, err := decode(format, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// countingReader tracks how many bytes have been pulled from the
// underlying reader, so a caller can recover a compressed segment's
// on-disk length from a decoder that only exposes the decompressed
// stream.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// ReadByte makes countingReader an io.ByteReader, so the gzip and LZMA
// decoders pull bytes one at a time instead of wrapping it in a
// read-ahead buffer that would inflate n past the frame's end.
func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// DecompressCounting behaves like Decompress but additionally reports
// how many bytes of buf the decoder actually consumed, letting
// segment splitting recover a compressed segment's length without a
// container-level length field. This is an approximation: the
// decoders may read a small amount past the logical end of their
// frame (trailer bytes, checksum) before signalling EOF, so the
// reported length is the number of bytes needed to decode, not
// necessarily byte-exact with the original encoder's framing.
func DecompressCounting(format compressfmt.Format, buf []byte) (out []byte, consumed int, err error) {
	cr := &countingReader{r: bytes.NewReader(buf)}
	out, consumed, err = decode(format, cr)
	if err != nil {
		return nil, 0, err
	}
	return out, consumed, nil
}

func decode(format compressfmt.Format, src io.Reader) (out []byte, consumed int, err error) {
	cr, counting := src.(*countingReader)

	var r io.Reader
	var closer io.Closer
	switch format {
	case compressfmt.LZMA:
		lr, err := lzma.NewReader(src)
		if err != nil {
			return nil, 0, errs.New(errs.Format, "compressutil.decode", err)
		}
		r = lr
	case compressfmt.GZIP:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, 0, errs.New(errs.Format, "compressutil.decode", err)
		}
		gr.Multistream(false)
		r = gr
		closer = gr
	case compressfmt.LZ4:
		r = lz4.NewReader(src)
	case compressfmt.CPIO:
		r = src
	default:
		return nil, 0, errs.New(errs.Unsupported, "compressutil.decode", fmt.Errorf("unrecognized segment format"))
	}

	out, err = io.ReadAll(r)
	if closer != nil {
		closer.Close()
	}
	if err != nil {
		return nil, 0, errs.New(errs.Format, "compressutil.decode", err)
	}
	if counting {
		consumed = cr.n
	}
	return out, consumed, nil
}
