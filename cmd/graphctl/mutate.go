package main

import (
	"encoding/json"
	"fmt"

	"github.com/nidhogg/coach-graph/internal/dispatch"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/notify"
	"github.com/spf13/cobra"
)

var (
	nodeLabel       string
	nodeType        string
	nodeDescription string
	nodeStatus      string

	edgeType   string
	edgeLabel  string
	edgeWeight float64
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Create, update, or delete nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDispatcher()
		if err != nil {
			return err
		}
		n, err := d.CreateNode(cmd.Context(), graph.NodeInput{
			Label:       nodeLabel,
			Type:        graph.NodeType(nodeType),
			Description: nodeDescription,
			Status:      graph.NodeStatus(nodeStatus),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, n)
	},
}

var nodeUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Change a node's fields; only flags that are set are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := graph.NodePatch{ID: args[0]}
		if cmd.Flags().Changed("label") {
			patch.Label = &nodeLabel
		}
		if cmd.Flags().Changed("type") {
			t := graph.NodeType(nodeType)
			patch.Type = &t
		}
		if cmd.Flags().Changed("description") {
			patch.Description = &nodeDescription
		}
		if cmd.Flags().Changed("status") {
			s := graph.NodeStatus(nodeStatus)
			patch.Status = &s
		}
		if patch.Empty() {
			return fmt.Errorf("nothing to update: set at least one of --label, --type, --description, --status")
		}
		d, err := newDispatcher()
		if err != nil {
			return err
		}
		n, err := d.UpdateNode(cmd.Context(), patch)
		if err != nil {
			return err
		}
		return printJSON(cmd, n)
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Soft-delete a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDispatcher()
		if err != nil {
			return err
		}
		if err := d.DeleteNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Create or delete edges",
}

var edgeCreateCmd = &cobra.Command{
	Use:   "create SOURCE TARGET",
	Short: "Link two of your nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDispatcher()
		if err != nil {
			return err
		}
		e, err := d.CreateEdge(cmd.Context(), graph.EdgeInput{
			SourceID: args[0],
			TargetID: args[1],
			Type:     edgeType,
			Label:    edgeLabel,
			Weight:   edgeWeight,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, e)
	},
}

var edgeDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Invalidate an edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDispatcher()
		if err != nil {
			return err
		}
		if err := d.DeleteEdge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{nodeCreateCmd, nodeUpdateCmd} {
		c.Flags().StringVar(&nodeLabel, "label", "", "Display label")
		c.Flags().StringVar(&nodeType, "type", "", "goal, skill, emotion, session, or accomplishment")
		c.Flags().StringVar(&nodeDescription, "description", "", "Free-text description")
		c.Flags().StringVar(&nodeStatus, "status", "", "provisional or curated")
	}
	nodeCreateCmd.MarkFlagRequired("label")
	nodeCreateCmd.MarkFlagRequired("type")

	edgeCreateCmd.Flags().StringVar(&edgeType, "type", "", "Relationship type (default relates_to)")
	edgeCreateCmd.Flags().StringVar(&edgeLabel, "label", "", "Display label")
	edgeCreateCmd.Flags().Float64Var(&edgeWeight, "weight", 1, "Relationship weight")

	nodeCmd.AddCommand(nodeCreateCmd, nodeUpdateCmd, nodeDeleteCmd)
	edgeCmd.AddCommand(edgeCreateCmd, edgeDeleteCmd)
	rootCmd.AddCommand(nodeCmd, edgeCmd)
}

func newDispatcher() (*dispatch.Dispatcher, error) {
	sess, err := currentSession()
	if err != nil {
		return nil, err
	}
	return dispatch.New(mutateURL(), sess,
		dispatch.WithLogger(logger),
		dispatch.WithNotifier(notify.NewLogNotifier(logger)),
	), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
