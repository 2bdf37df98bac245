package initrd

const (
	dirMode = modeIFDIR | 0o755
	keyMode = modeIFREG | 0o755
)

// InjectKeys applies the idempotent key-injection steps to a, given
// the unsealed boot- and root-partition master keys: ensure
// etc/lsvmload exists, deposit both keys, drop any stale specialize
// file, and remove hyperv-keyboard.ko so the kernel falls back to a
// driver usable from the sealed environment.
func InjectKeys(a *Archive, bootKey, rootKey []byte) {
	ensureDir(a, "etc")
	ensureDir(a, "etc/lsvmload")
	a.Put("etc/lsvmload/bootkey", keyMode, bootKey)
	a.Put("etc/lsvmload/rootkey", keyMode, rootKey)
	a.RemoveExact("etc/lsvmload/specialize")
	a.RemoveByBasename("hyperv-keyboard.ko")
}

func ensureDir(a *Archive, p string) {
	if a.Exists(p) {
		return
	}
	a.Put(p, dirMode, nil)
}
