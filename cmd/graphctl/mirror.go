package main

import (
	"fmt"
	"os"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/mirror"
	"github.com/nidhogg/coach-graph/internal/store"
	"github.com/spf13/cobra"
)

var (
	mirrorDSN      string
	mirrorNeo4jURI string
	mirrorNeo4jUsr string
	mirrorNeo4jPwd string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Maintain the Neo4j projection",
}

var mirrorRebuildCmd = &cobra.Command{
	Use:   "rebuild OWNER_ID",
	Short: "Replace one user's Neo4j projection with the current Postgres state",
	Long: `Reads the user's live nodes and valid edges from Postgres and rewrites
their projection in Neo4j. Use it after the projection missed changes,
for example while graphd ran without Neo4j.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		owner := args[0]

		pg, err := store.New(ctx, mirrorDSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()

		snap, err := pg.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner})
		if err != nil {
			return err
		}

		m, err := mirror.New(mirrorNeo4jURI, mirrorNeo4jUsr, mirrorNeo4jPwd, logger)
		if err != nil {
			return err
		}
		defer m.Close(ctx)
		if err := m.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := m.Rebuild(ctx, owner, snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s: %d nodes, %d edges\n", owner, len(snap.Nodes), len(snap.Edges))
		return nil
	},
}

func init() {
	mirrorRebuildCmd.Flags().StringVar(&mirrorDSN, "dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	mirrorRebuildCmd.Flags().StringVar(&mirrorNeo4jURI, "neo4j-uri", envOr("NEO4J_URI", "bolt://localhost:7687"), "Neo4j URI")
	mirrorRebuildCmd.Flags().StringVar(&mirrorNeo4jUsr, "neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j user")
	mirrorRebuildCmd.Flags().StringVar(&mirrorNeo4jPwd, "neo4j-password", os.Getenv("NEO4J_PASSWORD"), "Neo4j password")
	mirrorCmd.AddCommand(mirrorRebuildCmd)
	rootCmd.AddCommand(mirrorCmd)
}
