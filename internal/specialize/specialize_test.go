package specialize

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"lsvmshim/internal/errs"
)

func buildBlob(t *testing.T, key, plaintext []byte, mode Mode) []byte {
	t.Helper()

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(bytes.Clone(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := bytes.Repeat([]byte{0x3C}, aes.BlockSize)
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	var tag []byte
	if mode == ModeAESCBCHMACSHA256 {
		mac := hmac.New(sha256.New, key)
		mac.Write(ciphertext)
		tag = mac.Sum(nil)
	}

	ivOff := uint32(headerBytes)
	hmacOff := ivOff + uint32(len(iv))
	cipherOff := hmacOff + uint32(len(tag))

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(cipherOff)+uint32(len(ciphertext))) // Length
	binary.Write(&out, binary.LittleEndian, uint32(1))                                 // Version
	binary.Write(&out, binary.LittleEndian, uint32(mode))
	binary.Write(&out, binary.LittleEndian, uint32(len(iv)))
	binary.Write(&out, binary.LittleEndian, ivOff)
	binary.Write(&out, binary.LittleEndian, uint32(len(tag)))
	binary.Write(&out, binary.LittleEndian, hmacOff)
	binary.Write(&out, binary.LittleEndian, uint32(len(ciphertext)))
	binary.Write(&out, binary.LittleEndian, cipherOff)
	out.Write(iv)
	out.Write(tag)
	out.Write(ciphertext)
	return out.Bytes()
}

func testKey() []byte {
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}

func TestDecryptModeCBC(t *testing.T) {
	key := testKey()
	plaintext := []byte("unattend configuration payload")
	blob := buildBlob(t, key, plaintext, ModeAESCBC)

	got, err := Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptModeCBCHMACVerifiesTag(t *testing.T) {
	key := testKey()
	plaintext := []byte("specialization with integrity")
	blob := buildBlob(t, key, plaintext, ModeAESCBCHMACSHA256)

	got, err := Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", got, plaintext)
	}

	// Flipping a ciphertext bit must fail the HMAC, not produce
	// garbage plaintext.
	blob[len(blob)-1] ^= 0x01
	if _, err := Decrypt(blob, key); err == nil {
		t.Fatal("expected tampered ciphertext to be rejected")
	} else if !errs.Is(err, errs.Crypto) {
		t.Fatalf("got %v, want a Crypto-kind error", err)
	}
}

func TestParseHeaderRejectsBadVersionAndSpans(t *testing.T) {
	key := testKey()
	blob := buildBlob(t, key, []byte("x"), ModeAESCBC)

	bad := bytes.Clone(blob)
	binary.LittleEndian.PutUint32(bad[4:8], 2) // Version
	if _, err := Decrypt(bad, key); err == nil {
		t.Fatal("expected version 2 to be rejected")
	}

	bad = bytes.Clone(blob)
	binary.LittleEndian.PutUint32(bad[16:20], uint32(len(bad))) // IVOffset out of bounds
	if _, err := Decrypt(bad, key); err == nil {
		t.Fatal("expected out-of-bounds IV span to be rejected")
	}

	bad = bytes.Clone(blob)
	binary.LittleEndian.PutUint32(bad[8:12], 9) // unknown mode
	if _, err := Decrypt(bad, key); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}
