package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/retrieval"
)

func NewQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve chunks for a query without calling the language model",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
	cmd.Flags().Int("top-k", 0, "Number of chunks to return (default from config)")
	cmd.Flags().Float64("threshold", -1, "Similarity threshold for web fallback (default from config)")
	cmd.Flags().Bool("context", false, "Print the assembled context instead of the ranked list")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	topK, _ := cmd.Flags().GetInt("top-k")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	asContext, _ := cmd.Flags().GetBool("context")

	return withRuntime(cmd, func(ctx context.Context, rt *appEnv) error {
		if topK <= 0 {
			topK = rt.cfg.TopK
		}
		if threshold < 0 {
			threshold = rt.cfg.SimilarityThreshold
		}
		return rt.container.Invoke(func(p *retrieval.Pipeline) error {
			qctx, cancel := rt.withTimeout(ctx)
			defer cancel()

			res, err := p.Retrieve(qctx, query, topK, threshold)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.NoInformation {
				fmt.Fprintln(out, "no information available")
				return nil
			}
			if asContext {
				fmt.Fprintln(out, retrieval.Assemble(res.Chunks, rt.cfg.Retrieval.MaxContextChars))
				return nil
			}
			printResults(out, res)
			return nil
		})
	})
}

func printResults(w io.Writer, res retrieval.Result) {
	if res.UsedWebFallback {
		fmt.Fprintln(w, "(local results were insufficient, web search results included)")
	}
	for i, r := range res.Chunks {
		source := r.Chunk.DocumentID
		if r.Chunk.Metadata[knowledge.MetaSource] == "web" {
			source = "web " + r.Chunk.Metadata[knowledge.MetaWebURL]
		}
		dense := "-"
		if r.HasDense {
			dense = fmt.Sprintf("%.3f", r.DenseScore)
		}
		fmt.Fprintf(w, "%d. [%s #%d] score=%.4f dense=%s\n   %s\n",
			i+1, source, r.Chunk.Index, r.Score, dense, preview(r.Chunk.Text, 160))
	}
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "…"
}
