package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/konduit"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of konduit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), konduit.GetVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
