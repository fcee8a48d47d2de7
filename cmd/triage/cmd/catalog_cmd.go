package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helpdeskops/triage/catalog"
	"github.com/helpdeskops/triage/pkg/types"
)

var (
	catalogTag  string
	catalogJSON bool
)

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	Aliases: []string{"runbooks"},
	Short:   "List the embedded runbook catalog",
	Long: `List the runbooks embedded in the service binary. These seed the local
execution backends and back the semantic catalog search.

Examples:
  triage catalog
  triage catalog --tag outlook
  triage catalog --json`,
	RunE: runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)

	catalogCmd.Flags().StringVar(&catalogTag, "tag", "", "Filter by tag (e.g. outlook, network)")
	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "Output in JSON format")
}

func runCatalog(_ *cobra.Command, _ []string) error {
	suppressLogs()

	reg, err := catalog.NewRegistry(log)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	var entries []types.CatalogEntry

	for _, entry := range reg.All() {
		if catalogTag != "" && !hasTag(entry, catalogTag) {
			continue
		}

		entries = append(entries, entry)
	}

	if catalogJSON || !isTerminal() {
		return outputJSON(entries)
	}

	// Human-readable output.
	if len(entries) == 0 {
		fmt.Println("No runbooks found.")

		return nil
	}

	for _, entry := range entries {
		fmt.Printf("%-28s  %s", entry.Name, entry.Description)

		if len(entry.Tags) > 0 {
			fmt.Printf("  [%s]", strings.Join(entry.Tags, " "))
		}

		fmt.Println()
	}

	return nil
}

func hasTag(entry types.CatalogEntry, tag string) bool {
	for _, t := range entry.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}

	return false
}
