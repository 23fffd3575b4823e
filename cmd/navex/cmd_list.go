package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"navex/internal/wiring"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered decoders and their supported extensions",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	reg := wiring.NewRegistry()
	for _, w := range reg.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "discovery: %s\n", w)
	}
	for _, name := range reg.Names() {
		d, _ := reg.Describe(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, strings.Join(d.Extensions, " "))
	}
	return nil
}
