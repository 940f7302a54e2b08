package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/pdn/internal/prompts"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

var stagesTemplates bool

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the assessment stages in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if stagesTemplates {
			printTemplates(out, prompts.DefaultRegistry())
			return nil
		}
		for i, s := range stages.Default().All() {
			next := "(terminal)"
			if !s.IsTerminal() {
				next = "-> " + string(s.Next)
			}
			fmt.Fprintf(out, "%d. %-14s %-32s %s\n", i+1, s.ID, s.DisplayName, next)
		}
		return nil
	},
}

func init() {
	stagesCmd.Flags().BoolVar(&stagesTemplates, "templates", false, "List the built-in stage templates and their versions")
}

func printTemplates(out io.Writer, registry *prompts.PromptRegistry) {
	for _, id := range registry.List() {
		versions := registry.Versions(id)
		names := make([]string, len(versions))
		for i, v := range versions {
			names[i] = string(v)
		}
		desc := ""
		if p, err := registry.GetLatest(id); err == nil {
			desc = p.Description
		}
		fmt.Fprintf(out, "%-34s %-10s %s\n", id, strings.Join(names, ","), desc)
	}
}
