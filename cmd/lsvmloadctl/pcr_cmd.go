package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lsvmshim/internal/tpmboot"
)

// newPCRCommand exercises the software PCR bank with the fixed
// scenario-measurement sequence M2 defines and dumps the resulting
// PCR11 value, letting an operator confirm the measurement order
// deterministically without real TPM hardware.
func newPCRCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcr-dump",
		Short: "run the fixed scenario measurement against a software PCR bank and print PCR11",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPCRDump(cmd)
		},
	}
	return cmd
}

func runPCRDump(cmd *cobra.Command) error {
	policy := tpmboot.NewSoft()
	if err := policy.Initialize(); err != nil {
		return fmt.Errorf("initialize TPM policy: %w", err)
	}
	if err := tpmboot.MeasureScenario(policy); err != nil {
		return fmt.Errorf("measure scenario: %w", err)
	}
	value, err := policy.ReadPCRSHA256(tpmboot.ScenarioPCR)
	if err != nil {
		return fmt.Errorf("read PCR%d: %w", tpmboot.ScenarioPCR, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "PCR%d = %x\n", tpmboot.ScenarioPCR, value)
	return nil
}
