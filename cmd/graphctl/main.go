package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL string
	token     string
	verbose   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "graphctl",
	Short: "Inspect and edit a coaching knowledge graph",
	Long: `graphctl talks to graphd as the user identified by the bearer token.

Examples:
  graphctl watch --types goal,skill
  graphctl node create --label "Run a 10k" --type goal
  graphctl edge create <source-id> <target-id> --weight 0.8
  graphctl view export --out graph.png --layout radial
  graphctl voice --agent wss://agent.example/conversation`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("GRAPHD_URL", "http://localhost:8080"),
		"graphd base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("GRAPH_TOKEN"),
		"Bearer token (defaults to $GRAPH_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func main() {
	_ = godotenv.Load()
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, graph.UserMessage(err))
		if verbose {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// currentSession builds the session from the token's subject. The token is
// not verified here; graphd does that on every request.
func currentSession() (graph.Session, error) {
	if token == "" {
		return graph.Session{}, fmt.Errorf("no token: %w", graph.ErrUnauthenticated)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return graph.Session{}, fmt.Errorf("parse token: %v: %w", err, graph.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return graph.Session{}, errors.Join(errors.New("token has no subject"), graph.ErrUnauthenticated)
	}
	return graph.Session{UserID: claims.Subject, AccessToken: token}, nil
}

func mutateURL() string {
	return strings.TrimRight(serverURL, "/") + "/functions/v1/graph-mutate"
}

func liveURL() string {
	return strings.TrimRight(serverURL, "/") + "/api/graph/live"
}

func parseTypes(raw string) ([]graph.NodeType, error) {
	if raw == "" {
		return nil, nil
	}
	var out []graph.NodeType
	for _, name := range strings.Split(raw, ",") {
		t, err := graph.ParseNodeType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
