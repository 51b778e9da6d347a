package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/notify"
	"github.com/nidhogg/coach-graph/internal/voice"
	"go.uber.org/zap"
)

// voiceEvent accepts callbacks relayed from the voice agent. Captured
// entries become provisional nodes; the insert reaches clients through the
// live channel like any other change.
func (h *Handler) voiceEvent(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMutationBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := voice.Decode(body)
	if err != nil {
		h.logger.Warn("Rejected voice event", zap.String("user", sess.UserID), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	logger := h.logger.With(zap.String("user", sess.UserID), zap.String("kind", string(msg.Kind())))

	switch m := msg.(type) {
	case voice.UserTranscript:
		if m.Capture == nil {
			break
		}
		in := graph.NodeInput{
			Label:       m.Capture.Label,
			Type:        m.Capture.Type,
			Description: m.Capture.Description,
			Status:      graph.StatusProvisional,
			Properties:  map[string]any{"source": "voice", "conversation_id": m.ConversationID},
		}
		if err := h.validate.Struct(in); err != nil {
			logger.Warn("Rejected voice capture", zap.Error(err))
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		n, err := h.store.CreateNode(r.Context(), sess.UserID, in)
		if err != nil {
			status := statusFor(err)
			logger.Error("Voice capture failed", zap.Error(err))
			if errors.Is(err, graph.ErrUnauthenticated) {
				writeError(w, status, err.Error())
				return
			}
			writeError(w, status, "capture failed")
			return
		}
		logger.Info("Voice capture stored", zap.String("node", n.ID), zap.String("type", string(n.Type)))
		writeJSON(w, http.StatusCreated, map[string]any{"data": n})
		return

	case voice.Failure:
		logger.Warn("Voice session error", zap.String("conversation", m.ConversationID), zap.String("message", m.Message))
		if h.notifier != nil {
			if err := h.notifier.Notify(r.Context(), notify.Notice{
				Level:   notify.LevelError,
				Title:   "Voice session error",
				Message: m.Message,
				UserID:  sess.UserID,
			}); err != nil {
				logger.Warn("Voice failure notice not delivered", zap.Error(err))
			}
		}

	default:
		logger.Debug("Voice event")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"data": map[string]string{"kind": string(msg.Kind())}})
}
