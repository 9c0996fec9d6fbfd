package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xkilldash9x/warden/internal/policy"
)

// newPolicyCmd groups the operator workflows for policy documents.
func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or validate security policy documents",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Prints the effective merged policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := policy.Default()
			if path := viper.GetString("policy.path"); path != "" {
				loaded, err := policy.LoadFile(path)
				if err != nil {
					return err
				}
				doc = loaded
			}

			data, err := policy.MarshalDocument(doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [policy.json]",
		Short: "Validates a policy patch against the built-in defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy version %d merges cleanly\n", doc.Version)
			return nil
		},
	}

	policyCmd.AddCommand(showCmd, validateCmd)
	return policyCmd
}
