package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

const maxMutationBody = 64 << 10

// mutate serves the single mutation endpoint. The operation field selects
// the payload shape; results come back as {data} and failures as {error}.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	start := time.Now()

	var req graph.MutationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMutationBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.record(req.Operation, "invalid", start)
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	result, status, err := h.apply(r, sess.UserID, req)
	if err != nil {
		h.record(req.Operation, strconv.Itoa(status), start)
		if status >= 500 {
			h.logger.Error("Mutation failed", zap.String("operation", string(req.Operation)), zap.Error(err))
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	h.record(req.Operation, "ok", start)
	writeJSON(w, status, map[string]any{"data": result})
}

func (h *Handler) apply(r *http.Request, owner string, req graph.MutationRequest) (any, int, error) {
	ctx := r.Context()

	switch req.Operation {
	case graph.OpCreateNode:
		var in graph.NodeInput
		if err := h.decodeData(req.Data, &in); err != nil {
			return nil, http.StatusBadRequest, err
		}
		n, err := h.store.CreateNode(ctx, owner, in)
		if err != nil {
			return nil, statusFor(err), err
		}
		return n, http.StatusCreated, nil

	case graph.OpUpdateNode:
		var patch graph.NodePatch
		if err := h.decodeData(req.Data, &patch); err != nil {
			return nil, http.StatusBadRequest, err
		}
		if patch.Empty() {
			return nil, http.StatusBadRequest, errors.New("update_node: no fields to change")
		}
		n, err := h.store.UpdateNode(ctx, owner, patch)
		if err != nil {
			return nil, statusFor(err), err
		}
		return n, http.StatusOK, nil

	case graph.OpDeleteNode:
		var in graph.IDInput
		if err := h.decodeData(req.Data, &in); err != nil {
			return nil, http.StatusBadRequest, err
		}
		if err := h.store.SoftDeleteNode(ctx, owner, in.ID); err != nil {
			return nil, statusFor(err), err
		}
		return in, http.StatusOK, nil

	case graph.OpCreateEdge:
		var in graph.EdgeInput
		if err := h.decodeData(req.Data, &in); err != nil {
			return nil, http.StatusBadRequest, err
		}
		e, err := h.store.CreateEdge(ctx, owner, in)
		if err != nil {
			return nil, statusFor(err), err
		}
		return e, http.StatusCreated, nil

	case graph.OpDeleteEdge:
		var in graph.IDInput
		if err := h.decodeData(req.Data, &in); err != nil {
			return nil, http.StatusBadRequest, err
		}
		if err := h.store.InvalidateEdge(ctx, owner, in.ID); err != nil {
			return nil, statusFor(err), err
		}
		return in, http.StatusOK, nil
	}
	return nil, http.StatusBadRequest, errors.New("unknown operation")
}

func (h *Handler) decodeData(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid data: " + err.Error())
	}
	if err := h.validate.Struct(v); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

func (h *Handler) record(op graph.Operation, status string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.Mutations.WithLabelValues(string(op), status).Inc()
	h.metrics.MutationTime.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}

// statusFor maps store errors onto the endpoint's status codes. A rejected
// edge is reported as forbidden since it names nodes the caller does not own.
func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, graph.ErrValidationRejected):
		return http.StatusForbidden
	case errors.Is(err, graph.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "invalid data: " + strings.Join(parts, ", ")
}
