package tpmboot

import (
	"crypto/sha1"
	"crypto/sha256"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"lsvmshim/internal/errs"
)

func dataDigests(data []byte) (Digest1, Digest256, error) {
	sum1 := sha1.Sum(data)
	sum256 := sha256.Sum256(data)
	return Digest1(sum1), Digest256(sum256), nil
}

// startPCRPolicySession opens a TPM policy session and asserts
// tpm2_PolicyPCR over every PCR set in mask, returning the session so
// the caller can use it for Seal's PolicyGetDigest or Unseal's
// tpm2_Unseal authorization.
func (d *Device) startPCRPolicySession(mask uint32) (tpm2.SessionContext, error) {
	session, err := d.tpm.StartAuthSession(nil, nil, tpm2.SessionTypePolicy, nil, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.startPCRPolicySession", err)
	}

	var pcrs []int
	for i := 0; i < NumPCRs; i++ {
		if mask&(1<<uint(i)) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	selection := tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: pcrs}}
	if err := d.tpm.PolicyPCR(session, nil, selection); err != nil {
		d.tpm.FlushContext(session)
		return nil, errs.New(errs.Tpm, "tpmboot.startPCRPolicySession", err)
	}
	return session, nil
}

// marshalSealedObject serializes the TPM's private and public halves
// of a keyed-hash sealed object with go-tpm2's TPM-wire-format
// marshaller, the on-disk shape of the sealedkeys blob.
func marshalSealedObject(priv tpm2.Private, pub *tpm2.Public) ([]byte, error) {
	data, err := mu.MarshalToBytes(priv, pub)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.marshalSealedObject", err)
	}
	return data, nil
}

func loadSealedObject(tpm *tpm2.TPMContext, srk tpm2.ResourceContext, blob []byte) (tpm2.ResourceContext, error) {
	var priv tpm2.Private
	var pub *tpm2.Public
	if _, err := mu.UnmarshalFromBytes(blob, &priv, &pub); err != nil {
		return nil, errs.New(errs.Format, "tpmboot.loadSealedObject", err)
	}
	object, err := tpm.Load(srk, priv, pub, nil)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.loadSealedObject", err)
	}
	return object, nil
}
