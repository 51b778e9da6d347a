package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/coach-graph/internal/client"
	"github.com/nidhogg/coach-graph/internal/voice"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	voiceAgentURL string
	voiceAgentKey string
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Hold a voice agent conversation and relay its callbacks to graphd",
	Long: `Opens a conversation on the voice agent's websocket and posts every
callback it sends to graphd, where captured entries become provisional
nodes. Interrupt to end the conversation.`,
	RunE: runVoice,
}

func init() {
	voiceCmd.Flags().StringVar(&voiceAgentURL, "agent", os.Getenv("VOICE_AGENT_URL"), "Voice agent websocket URL")
	voiceCmd.Flags().StringVar(&voiceAgentKey, "agent-key", os.Getenv("VOICE_AGENT_KEY"), "Voice agent API key")
	rootCmd.AddCommand(voiceCmd)
}

func runVoice(cmd *cobra.Command, args []string) error {
	if _, err := currentSession(); err != nil {
		return err
	}
	if voiceAgentURL == "" {
		return errors.New("no voice agent URL: set --agent or $VOICE_AGENT_URL")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if voiceAgentKey != "" {
		header.Set("Xi-Api-Key", voiceAgentKey)
	}
	conn := voice.NewAgentConn(voiceAgentURL, header, relay(ctx, client.NewSource(serverURL, token), cmd.OutOrStdout()), logger)
	sess := voice.NewSession(conn, logger)

	id, err := sess.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conversation %s started\n", id)

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	sess.End(endCtx)
	fmt.Fprintf(cmd.OutOrStdout(), "conversation %s ended\n", id)
	return nil
}

// relay returns a frame handler that forwards decodable callbacks to
// graphd in arrival order.
func relay(ctx context.Context, dst *client.Source, out io.Writer) func([]byte) {
	return func(raw []byte) {
		msg, err := voice.Decode(raw)
		if err != nil {
			logger.Debug("Skipped voice frame", zap.Error(err))
			return
		}
		if err := dst.PostVoiceEvent(ctx, raw); err != nil {
			logger.Warn("Voice relay failed", zap.String("kind", string(msg.Kind())), zap.Error(err))
			fmt.Fprintf(out, "%-16s relay failed: %v\n", msg.Kind(), err)
			return
		}
		fmt.Fprintf(out, "%-16s relayed\n", msg.Kind())
	}
}
