package luks

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"lsvmshim/internal/errs"
)

// hashFactory resolves a LUKS hash_spec name to a constructor, used
// both for PBKDF2 and for the AF-diffuser's internal hashing.
func hashFactory(spec string) (func() hash.Hash, error) {
	switch spec {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, errs.New(errs.Unsupported, "luks.hashFactory", fmt.Errorf("unsupported hash spec %q", spec))
	}
}

// afMerge runs the anti-forensic merge: starting from a zero buffer K
// of keyLen bytes, XOR in each stripe in turn, diffusing K between
// stripes (all but the last). The exact inverse of AF-split.
func afMerge(stripes [][]byte, keyLen int, newHash func() hash.Hash) ([]byte, error) {
	k := make([]byte, keyLen)
	for i, stripe := range stripes {
		if len(stripe) != keyLen {
			return nil, errs.New(errs.Format, "luks.afMerge", fmt.Errorf("stripe %d has wrong length", i))
		}
		for j := range k {
			k[j] ^= stripe[j]
		}
		if i != len(stripes)-1 {
			diffuse(k, newHash)
		}
	}
	return k, nil
}

// diffuse applies the AF-diffuser in place: split k into
// digest-sized chunks and replace each chunk c_j with
// H(be_u32(j) || c_j) truncated to the chunk length.
func diffuse(k []byte, newHash func() hash.Hash) {
	h := newHash()
	digestSize := h.Size()

	out := make([]byte, 0, len(k))
	for off := 0; off < len(k); off += digestSize {
		end := off + digestSize
		if end > len(k) {
			end = len(k)
		}
		h.Reset()
		var idxBuf [4]byte
		binary.BigEndian.PutUint32(idxBuf[:], uint32(off/digestSize))
		h.Write(idxBuf[:])
		h.Write(k[off:end])
		sum := h.Sum(nil)
		out = append(out, sum[:end-off]...)
	}
	copy(k, out)
}

// splitBytesIntoStripes breaks a flat AF-material buffer into
// stripesCount chunks of keyLen bytes each.
func splitBytesIntoStripes(material []byte, keyLen int, stripesCount int) ([][]byte, error) {
	need := keyLen * stripesCount
	if len(material) < need {
		return nil, errs.New(errs.Format, "luks.splitBytesIntoStripes", fmt.Errorf("material too short"))
	}
	stripes := make([][]byte, stripesCount)
	for i := 0; i < stripesCount; i++ {
		stripes[i] = material[i*keyLen : (i+1)*keyLen]
	}
	return stripes, nil
}

// recoverMasterKey implements the per-slot recovery algorithm:
// derive a slot key via PBKDF2, decrypt the slot's AF material with
// the sector codec (sector index starting at the slot's material
// offset), AF-merge the stripes, and validate the result against the
// header's mk_digest.
func recoverMasterKey(h *Header, passphrase []byte, readAndDecryptAF func(slotKey []byte, startSector uint64, length int) ([]byte, error)) ([]byte, int, error) {
	newHash, err := hashFactory(h.HashSpec)
	if err != nil {
		return nil, 0, err
	}

	var lastErr error = errs.New(errs.Auth, "luks.recoverMasterKey", fmt.Errorf("no enabled slot matched"))
	for slotIdx, slot := range h.Slots {
		if !slot.Active {
			continue
		}

		slotKey := pbkdf2.Key(passphrase, slot.Salt[:], int(slot.Iterations), h.KeyBytes, newHash)

		afLen := h.KeyBytes * int(slot.Stripes)
		af, err := readAndDecryptAF(slotKey, uint64(slot.KeyMaterialOff), afLen)
		if err != nil {
			lastErr = err
			continue
		}

		stripes, err := splitBytesIntoStripes(af, h.KeyBytes, int(slot.Stripes))
		if err != nil {
			lastErr = err
			continue
		}
		mk, err := afMerge(stripes, h.KeyBytes, newHash)
		if err != nil {
			lastErr = err
			continue
		}

		digest := pbkdf2.Key(mk, h.MKDigestSalt[:], int(h.MKIterations), len(h.MKDigest), newHash)
		if constantTimeEqual(digest, h.MKDigest[:]) {
			return mk, slotIdx, nil
		}
		lastErr = errs.New(errs.Auth, "luks.recoverMasterKey", fmt.Errorf("slot %d digest mismatch", slotIdx))
	}
	return nil, 0, lastErr
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
