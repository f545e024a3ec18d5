package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/config"
	"chatsync/internal/infra/obs"
)

var (
	conversationsUser string
	conversationsJSON bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Print a user's conversation list",
	Args:  cobra.NoArgs,
	RunE:  runConversations,
}

func init() {
	conversationsCmd.Flags().StringVar(&conversationsUser, "user", "", "user id to list conversations for")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "print JSON instead of a table")
	_ = conversationsCmd.MarkFlagRequired("user")
}

func runConversations(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// a one-shot query neither needs nor should start a feed consumer
	cfg.Feed = config.FeedHub
	logger := obs.NewLogger(cfg.Env, "error")
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	summaries, err := a.views().Conversations(cmd.Context(), appchat.Session{UserID: strings.TrimSpace(conversationsUser)})
	if err != nil {
		return fmt.Errorf("conversation list unavailable: %w", err)
	}
	if conversationsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	return printSummaries(cmd.OutOrStdout(), summaries)
}

func printSummaries(w io.Writer, summaries []domainchat.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTERPART\tNAME\tLAST MESSAGE\tAT\tUNREAD")
	for _, s := range summaries {
		unread := ""
		if s.Unread {
			unread = fmt.Sprintf("* (%d)", s.UnreadCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.CounterpartID, s.CounterpartName, snippet(s.LastMessage, 40), s.LastMessageAt.Format(time.RFC3339), unread)
	}
	return tw.Flush()
}

func snippet(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit-1]) + "…"
}
