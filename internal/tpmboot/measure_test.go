package tpmboot

import "testing"

func TestMeasureScenarioDeterministic(t *testing.T) {
	a := NewSoft()
	b := NewSoft()
	if err := MeasureScenario(a); err != nil {
		t.Fatalf("MeasureScenario a: %v", err)
	}
	if err := MeasureScenario(b); err != nil {
		t.Fatalf("MeasureScenario b: %v", err)
	}
	va, _ := a.ReadPCRSHA256(ScenarioPCR)
	vb, _ := b.ReadPCRSHA256(ScenarioPCR)
	if va != vb {
		t.Fatalf("expected deterministic PCR11 value, got %x vs %x", va, vb)
	}
}

func TestCapPCRChangesValueEachTime(t *testing.T) {
	s := NewSoft()
	if err := MeasureScenario(s); err != nil {
		t.Fatalf("MeasureScenario: %v", err)
	}
	before, _ := s.ReadPCRSHA256(ScenarioPCR)
	if err := CapScenario(s); err != nil {
		t.Fatalf("CapScenario: %v", err)
	}
	afterFirstCap, _ := s.ReadPCRSHA256(ScenarioPCR)
	if before == afterFirstCap {
		t.Fatal("expected PCR11 to change after first cap")
	}
	if err := CapScenario(s); err != nil {
		t.Fatalf("CapScenario second: %v", err)
	}
	afterSecondCap, _ := s.ReadPCRSHA256(ScenarioPCR)
	if afterFirstCap == afterSecondCap {
		t.Fatal("expected PCR11 to change again on a second cap")
	}
}

func TestSealUnsealRoundTripBoundToPCR(t *testing.T) {
	s := NewSoft()
	if err := MeasureScenario(s); err != nil {
		t.Fatalf("MeasureScenario: %v", err)
	}
	const mask = uint32(1) << ScenarioPCR
	secret := []byte("master-key-bytes")
	blob, err := s.Seal(mask, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := s.Unseal(mask, blob)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatalf("unsealed secret mismatch: got %q want %q", got, secret)
	}

	// Capping PCR11 must break the policy match.
	if err := CapScenario(s); err != nil {
		t.Fatalf("CapScenario: %v", err)
	}
	if _, err := s.Unseal(mask, blob); err == nil {
		t.Fatal("expected unseal to fail after PCR changed")
	}
}
