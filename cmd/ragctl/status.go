package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aihub/rag-assistant/internal/ingest"
	"github.com/aihub/rag-assistant/internal/knowledge"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the collection and ingested documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *appEnv) error {
				return rt.container.Invoke(func(store *knowledge.Store, p *ingest.Pipeline) error {
					return printStatus(ctx, cmd, rt, store, p)
				})
			})
		},
	}
}

func printStatus(ctx context.Context, cmd *cobra.Command, rt *appEnv, store *knowledge.Store, p *ingest.Pipeline) error {
	qctx, cancel := rt.withTimeout(ctx)
	defer cancel()

	coll, err := store.Collection(qctx, rt.cfg.CollectionName)
	if err != nil {
		return err
	}
	count, err := store.Count(qctx, coll.Name)
	if err != nil {
		return err
	}
	entries, err := p.Status(qctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Collection %s: dimension=%d metric=%s records=%d\n", coll.Name, coll.Dimension, coll.Metric, count)
	fmt.Fprintf(out, "Documents: %d\n", len(entries))
	if len(entries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCHUNKS\tSIZE/OVERLAP\tHASH\tINGESTED")
	for _, e := range entries {
		hash := e.Hash
		if e.Pending() {
			hash = "(incomplete)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%.12s\t%s\n",
			e.SourceID, e.ChunkCount, e.ChunkSize, e.ChunkOverlap, hash, e.IngestedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
