package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xkilldash9x/warden/internal/intel"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/zap"
)

// newSignaturesCmd groups the operator workflows for signature bundles.
func newSignaturesCmd() *cobra.Command {
	sigCmd := &cobra.Command{
		Use:   "signatures",
		Short: "Export or validate threat-signature bundles",
	}

	var output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Exports the built-in signature set as a JSON bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			registry := intel.New(store.NewMem(), logger)

			data, err := registry.ExportSignatures()
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write signature bundle: %w", err)
			}
			logger.Info("Signature bundle written", zap.String("path", output))
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")

	validateCmd := &cobra.Command{
		Use:   "validate [bundle.json]",
		Short: "Validates a signature bundle: patterns must compile and ids must be well-formed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read signature bundle: %w", err)
			}

			// Import into a throwaway registry; bad patterns are skipped
			// with a warning, so the imported count is the honest answer.
			registry := intel.New(store.NewMem(), logger)
			imported, err := registry.ImportSignatures(data)
			if err != nil {
				return err
			}

			logger.Info("Signature bundle validated",
				zap.String("path", args[0]),
				zap.Int("imported", imported),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%d signature(s) imported cleanly\n", imported)
			return nil
		},
	}

	sigCmd.AddCommand(exportCmd, validateCmd)
	return sigCmd
}
