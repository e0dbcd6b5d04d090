package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aihub/rag-assistant/internal/conversation"
	"github.com/aihub/rag-assistant/internal/ingest"
)

func NewIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path|s3://bucket/prefix>...",
		Short: "Ingest documents into the vector store",
		Long:  `Chunk, embed and upsert text, markdown and PDF documents. Unchanged documents are skipped.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *appEnv) error {
				return rt.container.Invoke(func(p *ingest.Pipeline) error {
					report, err := p.Ingest(ctx, args)
					fmt.Fprintln(cmd.OutOrStdout(), conversation.FormatReport(report))
					if err != nil {
						return err
					}
					if report.Failed() {
						return fmt.Errorf("%d documents failed", len(report.Errors))
					}
					return nil
				})
			})
		},
	}
}
