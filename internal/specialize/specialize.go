// Package specialize implements the specialization applier: decrypt
// an AES-CBC or AES-CBC-HMAC-SHA256 blob under the boot volume's LUKS
// master key and deposit the plaintext into the boot volume at a
// fixed path.
package specialize

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"lsvmshim/internal/errs"
	"lsvmshim/internal/ext2"
)

// Mode is the blob's encryption mode header field.
type Mode uint32

const (
	ModeAESCBC           Mode = 1
	ModeAESCBCHMACSHA256 Mode = 2
)

const (
	headerFieldCount = 9
	headerBytes      = headerFieldCount * 4
)

// header is the blob's fixed little-endian nine-u32 layout: Length,
// Version, Mode, then a length-before-offset pair each for the IV,
// the HMAC tag, and the ciphertext.
type header struct {
	Length       uint32
	Version      uint32
	Mode         uint32
	IVLength     uint32
	IVOffset     uint32
	HMACLength   uint32
	HMACOffset   uint32
	CipherLength uint32
	CipherOffset uint32
}

// DestPath is the fixed boot-volume path the decrypted plaintext is
// written to.
const DestPath = "/lsvmload/specialize"

const destMode = 0o600

// parseHeader decodes and validates the fixed 36-byte header,
// checking that every (offset,length) pair lies fully inside blob and
// past the header itself.
func parseHeader(blob []byte) (*header, error) {
	if len(blob) < headerBytes {
		return nil, errs.New(errs.Format, "specialize.parseHeader", nil)
	}
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(blob[i*4 : i*4+4]) }
	h := &header{
		Length:       u32(0),
		Version:      u32(1),
		Mode:         u32(2),
		IVLength:     u32(3),
		IVOffset:     u32(4),
		HMACLength:   u32(5),
		HMACOffset:   u32(6),
		CipherLength: u32(7),
		CipherOffset: u32(8),
	}
	if h.Version != 1 {
		return nil, errs.New(errs.Format, "specialize.parseHeader", nil)
	}
	if Mode(h.Mode) != ModeAESCBC && Mode(h.Mode) != ModeAESCBCHMACSHA256 {
		return nil, errs.New(errs.Format, "specialize.parseHeader", nil)
	}
	spans := [][2]uint32{
		{h.IVOffset, h.IVLength},
		{h.CipherOffset, h.CipherLength},
	}
	if Mode(h.Mode) == ModeAESCBCHMACSHA256 {
		spans = append(spans, [2]uint32{h.HMACOffset, h.HMACLength})
	}
	for _, span := range spans {
		off, length := span[0], span[1]
		if off < headerBytes {
			return nil, errs.New(errs.Format, "specialize.parseHeader", nil)
		}
		end := uint64(off) + uint64(length)
		if end > uint64(len(blob)) {
			return nil, errs.New(errs.Format, "specialize.parseHeader", nil)
		}
	}
	return h, nil
}

// Decrypt validates blob's header and decrypts its ciphertext span
// under key (the boot volume's LUKS master key), verifying the
// HMAC-SHA256 tag first when mode is ModeAESCBCHMACSHA256.
func Decrypt(blob []byte, key []byte) ([]byte, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}

	iv := blob[h.IVOffset : h.IVOffset+h.IVLength]
	ciphertext := blob[h.CipherOffset : h.CipherOffset+h.CipherLength]

	if Mode(h.Mode) == ModeAESCBCHMACSHA256 {
		tag := blob[h.HMACOffset : h.HMACOffset+h.HMACLength]
		mac := hmac.New(sha256.New, key)
		mac.Write(ciphertext)
		if !hmac.Equal(tag, mac.Sum(nil)) {
			return nil, errs.New(errs.Crypto, "specialize.Decrypt", nil)
		}
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New(errs.Format, "specialize.Decrypt", nil)
	}
	if len(iv) != aes.BlockSize {
		return nil, errs.New(errs.Format, "specialize.Decrypt", nil)
	}
	block, err := aes.NewCipher(normalizeKeyLen(key))
	if err != nil {
		return nil, errs.New(errs.Crypto, "specialize.Decrypt", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(ciphertext))
	mode.CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

// normalizeKeyLen trims key to the nearest valid AES key size (32,
// 24, or 16 bytes), the same "use however many bytes the cipher calls
// for" approach the LUKS sector codec applies to its key material.
func normalizeKeyLen(key []byte) []byte {
	switch {
	case len(key) >= 32:
		return key[:32]
	case len(key) >= 24:
		return key[:24]
	default:
		return key[:16]
	}
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.Format, "specialize.pkcs7Unpad", nil)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) || pad > aes.BlockSize {
		return nil, errs.New(errs.Format, "specialize.pkcs7Unpad", nil)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errs.New(errs.Format, "specialize.pkcs7Unpad", nil)
		}
	}
	return data[:len(data)-pad], nil
}

// Apply decrypts blob under the boot volume's master key and writes
// the plaintext to DestPath with mode 0600.
func Apply(fs *ext2.FS, blob []byte, bootMasterKey []byte) error {
	plain, err := Decrypt(blob, bootMasterKey)
	if err != nil {
		return err
	}
	return fs.PutFile(DestPath, plain, destMode)
}
