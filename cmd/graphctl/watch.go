package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nidhogg/coach-graph/internal/bus"
	"github.com/nidhogg/coach-graph/internal/client"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/graphsync"
	"github.com/nidhogg/coach-graph/internal/live"
	"github.com/nidhogg/coach-graph/internal/supa"
	"github.com/spf13/cobra"
)

var (
	watchTypes    string
	watchSession  string
	watchRedisURL string
	watchSupaURL  string
	watchSupaKey  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Load the graph and print live changes as they are applied",
	Long: `Loads a snapshot, prints it, then follows the live-change channel.

By default both come from graphd. --supabase-url reads the snapshot
straight from Supabase instead; --redis follows the change bus instead of
the websocket.

When the live channel drops, watch exits; run it again to reload.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchTypes, "types", "", "Comma-separated node types to include")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Limit to nodes connected to this session node")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis", "", "Follow the Redis change bus at this URL")
	watchCmd.Flags().StringVar(&watchSupaURL, "supabase-url", os.Getenv("SUPABASE_URL"), "Supabase project URL")
	watchCmd.Flags().StringVar(&watchSupaKey, "supabase-key", os.Getenv("SUPABASE_ANON_KEY"), "Supabase anon key")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	sess, err := currentSession()
	if err != nil {
		return err
	}
	types, err := parseTypes(watchTypes)
	if err != nil {
		return err
	}

	var source graph.Source = client.NewSource(serverURL, token)
	if watchSupaURL != "" && watchSupaKey != "" {
		s, err := supa.NewSource(watchSupaURL, watchSupaKey, sess, logger)
		if err != nil {
			return err
		}
		source = s
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	syncer := graphsync.New(sess, source,
		graphsync.WithFilter(types...),
		graphsync.WithSessionScope(watchSession),
		graphsync.WithLogger(logger),
		graphsync.WithOnChange(func(c graph.Change, outcome graphsync.Outcome) {
			fmt.Fprintf(out, "%-6s %-4s %s -> %s\n", c.EventType, c.Entity(), c.RowID(), outcome)
		}),
	)
	if err := syncer.LoadSnapshot(ctx); err != nil {
		return err
	}
	printGraph(cmd, syncer)

	var feed graph.Feed = live.NewFeed(liveURL(), token, logger)
	if watchRedisURL != "" {
		b, err := bus.New(ctx, watchRedisURL, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		feed = b
	}

	err = syncer.Run(ctx, feed)
	if ctx.Err() == context.Canceled {
		return nil
	}
	return err
}

func printGraph(cmd *cobra.Command, s *graphsync.Synchronizer) {
	out := cmd.OutOrStdout()
	selected := s.SelectedID()
	for _, n := range s.Nodes() {
		mark := " "
		if n.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-14s %-36s %s\n", mark, n.Type, n.ID, n.Label)
	}
	for _, e := range s.Edges() {
		fmt.Fprintf(out, "  %s -> %s (%s, %.2f)\n", e.SourceID, e.TargetID, e.Type, e.Weight)
	}
	fmt.Fprintf(out, "%d nodes, %d edges\n", len(s.Nodes()), len(s.Edges()))
}
