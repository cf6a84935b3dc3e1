package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/mobilelink/pkg/flow"
	"github.com/raterudder/mobilelink/pkg/log"
)

// maxBodySize limits request bodies
const maxBodySize = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to decode request body", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.flows.Progress())
}

type startFlowRequest struct {
	Kind    flow.Kind `json:"kind"`
	EntryID string    `json:"entryID"`
}

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := startFlowRequest{Kind: flow.KindConfig}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	var res flow.Result
	var err error
	switch req.Kind {
	case flow.KindConfig, "":
		res = s.flows.StartConfig(ctx)
	case flow.KindOptions:
		res, err = s.flows.StartOptions(ctx, req.EntryID)
	case flow.KindReauth:
		res, err = s.flows.StartReauth(ctx, req.EntryID)
	default:
		writeJSONError(w, "unknown flow kind", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start flow", slog.String("kind", string(req.Kind)), slog.Any("error", err))
		writeJSONError(w, "failed to start flow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	res, ok := s.flows.Get(r.PathValue("flowID"))
	if !ok {
		writeJSONError(w, "flow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleConfigureFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in flow.Input
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.flows.Configure(ctx, r.PathValue("flowID"), in)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "flow step failed", slog.String("flowID", r.PathValue("flowID")), slog.Any("error", err))
		writeJSONError(w, "flow step failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleAbortFlow(w http.ResponseWriter, r *http.Request) {
	if !s.flows.Abort(r.PathValue("flowID")) {
		writeJSONError(w, "flow not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
