package tpmboot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"

	"lsvmshim/internal/errs"
)

// NumPCRs is the bank size a TPM 2.0 commonly exposes (0-23); this
// design only ever touches PCR 7 (DBX/Secure Boot state) and PCR 11
// (the load-time scenario register).
const NumPCRs = 24

// Soft is an in-process PCR bank that extends SHA-1 and SHA-256
// banks the same way a real TPM does (new = H(old || data)), used by
// tests and the lsvmloadctl pcr-dump action. cmd/lsvmload does not
// fall back to it: when the hardware TPM cannot be opened, the boot
// ends with a Tpm-kind error.
//
// Sealing is modeled as AES-256-GCM under a key derived from the
// selected PCRs' current SHA-256 values. That is enough to hold the
// "unseal succeeds iff PCR state matches the value at seal time"
// policy; it does not reproduce the TPM's object-authorization wire
// protocol.
type Soft struct {
	sha1Bank   [NumPCRs]Digest1
	sha256Bank [NumPCRs]Digest256
	capped     [NumPCRs]bool
}

// NewSoft constructs a zeroed PCR bank, matching a TPM fresh out of
// reset (every PCR starts at its all-zero value).
func NewSoft() *Soft {
	return &Soft{}
}

func (s *Soft) checkIdx(idx int) error {
	if idx < 0 || idx >= NumPCRs {
		return errs.New(errs.Invariant, "tpmboot.Soft", nil)
	}
	return nil
}

func (s *Soft) ReadPCRSHA256(idx int) (Digest256, error) {
	if err := s.checkIdx(idx); err != nil {
		return Digest256{}, err
	}
	return s.sha256Bank[idx], nil
}

func (s *Soft) ExtendPCRSHA1(idx int, hash Digest1) error {
	if err := s.checkIdx(idx); err != nil {
		return err
	}
	h := sha1.New()
	h.Write(s.sha1Bank[idx][:])
	h.Write(hash[:])
	copy(s.sha1Bank[idx][:], h.Sum(nil))
	return nil
}

func (s *Soft) ExtendPCRSHA256(idx int, hash Digest256) error {
	if err := s.checkIdx(idx); err != nil {
		return err
	}
	h := sha256.New()
	h.Write(s.sha256Bank[idx][:])
	h.Write(hash[:])
	copy(s.sha256Bank[idx][:], h.Sum(nil))
	return nil
}

func (s *Soft) HashLogExtendPE(idx int, peImage []byte, description string) error {
	sha1Sum, sha256Sum, err := AuthenticodePEDigest(peImage)
	if err != nil {
		return err
	}
	if err := s.ExtendPCRSHA1(idx, sha1Sum); err != nil {
		return err
	}
	return s.ExtendPCRSHA256(idx, sha256Sum)
}

func (s *Soft) HashLogExtendData(idx int, data []byte) error {
	sum1 := sha1.Sum(data)
	sum256 := sha256.Sum256(data)
	if err := s.ExtendPCRSHA1(idx, Digest1(sum1)); err != nil {
		return err
	}
	return s.ExtendPCRSHA256(idx, Digest256(sum256))
}

func (s *Soft) HashLogExtendSeparator(idx int) error {
	return s.HashLogExtendData(idx, []byte{0xff, 0xff, 0xff, 0xff})
}

// sealKey derives a 32-byte AES key from the mask of PCRs a seal/unseal
// policy covers, by hashing the current SHA-256 value of each selected
// PCR in index order.
func (s *Soft) sealKey(policyPCRMask uint32) []byte {
	mac := hmac.New(sha256.New, []byte("lsvmshim-soft-tpm-seal"))
	for i := 0; i < NumPCRs; i++ {
		if policyPCRMask&(1<<uint(i)) == 0 {
			continue
		}
		mac.Write(s.sha256Bank[i][:])
	}
	return mac.Sum(nil)
}

// Seal encrypts secret under the key derived from the current state
// of every PCR in policyPCRMask, so a later Unseal only succeeds if
// those PCRs still read the same values.
func (s *Soft) Seal(policyPCRMask uint32, secret []byte) ([]byte, error) {
	key := s.sealKey(policyPCRMask)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.Crypto, "tpmboot.Soft.Seal", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.Crypto, "tpmboot.Soft.Seal", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	maskBuf := [4]byte{byte(policyPCRMask), byte(policyPCRMask >> 8), byte(policyPCRMask >> 16), byte(policyPCRMask >> 24)}
	copy(nonce, maskBuf[:])
	ciphertext := gcm.Seal(nil, nonce, secret, nil)
	return append(append([]byte{}, maskBuf[:]...), ciphertext...), nil
}

// Unseal decrypts a blob produced by Seal; it fails with errs.Tpm if
// the current PCR state no longer matches the sealing-time state, the
// case the boot routes to the passphrase fallback.
func (s *Soft) Unseal(policyPCRMask uint32, blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, errs.New(errs.Format, "tpmboot.Soft.Unseal", nil)
	}
	storedMask := uint32(blob[0]) | uint32(blob[1])<<8 | uint32(blob[2])<<16 | uint32(blob[3])<<24
	key := s.sealKey(storedMask)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.Crypto, "tpmboot.Soft.Unseal", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.Crypto, "tpmboot.Soft.Unseal", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	copy(nonce, blob[:4])
	plain, err := gcm.Open(nil, nonce, blob[4:], nil)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.Soft.Unseal", err)
	}
	return plain, nil
}

// capExtension is the single fixed byte value the cap extends a PCR
// with.
var capExtension = []byte{0x00}

// CapPCR extends idx with the fixed cap value so a fresh read
// differs from its pre-cap value. Calling it twice changes the PCR
// both times; extension is never idempotent.
func (s *Soft) CapPCR(idx int) error {
	if err := s.HashLogExtendData(idx, capExtension); err != nil {
		return err
	}
	s.capped[idx] = true
	return nil
}

// Initialize would perform the dictionary-attack hardening a real
// TPM needs before any measurement; the software bank has no lockout
// state, so it always succeeds.
func (s *Soft) Initialize() error { return nil }
