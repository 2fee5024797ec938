package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/chunk"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/osc"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
)

var planCmd = &cobra.Command{
	Use:   "plan <changes.osc[.gz]>",
	Short: "Show how an osmChange file would be split into changesets",
	Long: `Plan the changesets of an upload without contacting the API.

Creations are ordered so no changeset references a placeholder created in a later
one; modifications follow, then deletions (relations, ways, nodes).`,
	Args: cobra.ExactArgs(1),
	Run:  runPlan,
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List the predefined API endpoints",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Available API endpoints:")
		fmt.Println()
		for _, e := range osmapi.ListEndpoints() {
			fmt.Println(e)
		}
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(endpointsCmd)

	planCmd.Flags().IntVar(&cfg.MaxFeaturesPerChunk, "max-features", cfg.MaxFeaturesPerChunk, "Maximum features per changeset")
}

func runPlan(cmd *cobra.Command, args []string) {
	log := logger.Get()

	parser := osc.NewParser()
	doc, err := parser.ParseFile(context.Background(), args[0])
	if err != nil {
		exitWithError("failed to parse input", err)
	}

	chunks, err := chunk.Plan(doc.Diff, cfg.MaxFeaturesPerChunk)
	if err != nil {
		exitWithError("failed to plan upload", err)
	}

	log.Debug("Planned upload",
		zap.String("input", args[0]),
		zap.Int("features", doc.Diff.Len()),
		zap.Int("chunks", len(chunks)))

	fmt.Print(formatPlan(chunks, doc.Diff.Len()))
}

// formatPlan renders one line per chunk plus a total line
func formatPlan(chunks []chunk.Chunk, total int) string {
	out := fmt.Sprintf("%s features in %d changeset(s)\n", humanize.Comma(int64(total)), len(chunks))
	for i := range chunks {
		c := &chunks[i]
		s := feature.StatsOf(&c.Diff)
		out += fmt.Sprintf("  %d/%d: %6s features  create %d/%d/%d  modify %d/%d/%d  delete %d/%d/%d (node/way/relation)\n",
			c.Index+1, c.Total, humanize.Comma(int64(c.Len())),
			s.NodesCreated, s.WaysCreated, s.RelationsCreated,
			s.NodesModified, s.WaysModified, s.RelationsModified,
			s.NodesDeleted, s.WaysDeleted, s.RelationsDeleted)
	}
	return out
}
