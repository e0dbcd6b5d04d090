package main

import (
	"bufio"
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aihub/rag-assistant/internal/conversation"
)

func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive question answering",
		Long:  `Ask questions line by line. Commands: /ingest <path...>, /reset, /exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *appEnv) error {
				return rt.container.Invoke(func(s *conversation.Session) error {
					return chatLoop(ctx, cmd, rt, s)
				})
			})
		},
	}
}

func chatLoop(ctx context.Context, cmd *cobra.Command, rt *appEnv, s *conversation.Session) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		lctx, cancel := rt.withTimeout(ctx)
		reply, err := s.Handle(lctx, scanner.Text())
		cancel()
		switch {
		case err != nil:
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		case reply.Exit:
			return nil
		case reply.Text != "":
			fmt.Fprintln(out, reply.Text)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
