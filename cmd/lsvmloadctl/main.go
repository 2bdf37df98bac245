// Command lsvmloadctl is the operator/debug tool for the lsvmshim
// stack: it unpacks a LUKS-encrypted boot volume, lists an EXT2 tree,
// patches a standalone initrd file, dumps software-TPM PCR state, and
// runs a self-test of the EXT2 round-trip property. It never touches
// real firmware; every subcommand works against plain files on the
// host filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lsvmloadctl",
		Short:         "Operator tool for inspecting and preparing lsvmshim boot volumes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newUnpackCommand(),
		newListCommand(),
		newPatchInitrdCommand(),
		newPCRCommand(),
		newSelftestCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lsvmloadctl:", err)
		os.Exit(1)
	}
}
