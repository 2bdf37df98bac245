package tpmboot

import "encoding/binary"

// The three fixed scenario tags measured into PCR 11 before unseal,
// each a 4-byte little-endian value submitted as an EV_COMPACT_HASH
// event.
const (
	AllowPrebootSealing  uint32 = 0x00000010
	LinuxScenarioID      uint32 = 0x00F00002
	LinuxScenarioVersion uint32 = 0x00000001
)

// ScenarioPCR is the PCR index every scenario measurement targets.
const ScenarioPCR = 11

// le32 renders v as the 4-byte little-endian buffer the tag
// measurements hash.
func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// MeasureScenario extends PCR 11 with the three fixed scenario tags.
// The order is load-bearing: any reordering changes the policy digest
// and thus prevents unseal.
func MeasureScenario(p Policy) error {
	for _, tag := range []uint32{AllowPrebootSealing, LinuxScenarioID, LinuxScenarioVersion} {
		if err := p.HashLogExtendData(ScenarioPCR, le32(tag)); err != nil {
			return err
		}
	}
	return nil
}

// MeasureLoader measures the downstream loader's PE image into PCR
// 11, after a successful unseal.
func MeasureLoader(p Policy, loaderImage []byte) error {
	return p.HashLogExtendPE(ScenarioPCR, loaderImage, "loader")
}

// CapScenario extends PCR 11 with the cap marker so unsealing under
// the pre-cap policy can no longer succeed for the rest of this boot.
func CapScenario(p Policy) error {
	return p.CapPCR(ScenarioPCR)
}
