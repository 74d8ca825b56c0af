package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pingd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion bool
	var onlySemver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the pingd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case onlySemver:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.CurrentSemver())
			case onlyVersion:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version string")
	cmd.Flags().BoolVar(&onlySemver, "semver", false, "print only vMAJOR.MINOR.PATCH")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
