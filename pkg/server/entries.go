package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/mobilelink/pkg/diagnostics"
	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/poller"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

// entryResponse is an entry without its credentials.
type entryResponse struct {
	ID            string              `json:"id"`
	UniqueID      string              `json:"uniqueID"`
	Title         string              `json:"title"`
	AuthMode      types.AuthMode      `json:"authMode"`
	SelectedTanks []int64             `json:"selectedTanks"`
	Options       types.SensorOptions `json:"options"`
	AuthStatus    types.AuthStatus    `json:"authStatus"`
	Loaded        bool                `json:"loaded"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func (s *Server) toEntryResponse(e types.Entry) entryResponse {
	// the loaded copy has the freshest auth status
	loaded, ok := s.poller.Entry(e.ID)
	if ok {
		e.AuthStatus = loaded.AuthStatus
	}
	return entryResponse{
		ID:            e.ID,
		UniqueID:      e.UniqueID,
		Title:         e.Title,
		AuthMode:      e.AuthMode,
		SelectedTanks: e.SelectedTanks,
		Options:       e.Options,
		AuthStatus:    e.AuthStatus,
		Loaded:        ok,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// getEntry writes the error response itself and returns false when the
// entry could not be fetched.
func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) (types.Entry, bool) {
	ctx := r.Context()
	entry, err := s.db.GetEntry(ctx, r.PathValue("entryID"))
	if errors.Is(err, storage.ErrEntryNotFound) {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return types.Entry{}, false
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get entry", slog.String("entryID", r.PathValue("entryID")), slog.Any("error", err))
		writeJSONError(w, "failed to get entry", http.StatusInternalServerError)
		return types.Entry{}, false
	}
	return entry, true
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.db.ListEntries(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list entries", slog.Any("error", err))
		writeJSONError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}
	res := make([]entryResponse, len(entries))
	for i, e := range entries {
		res[i] = s.toEntryResponse(e)
	}
	writeJSON(w, res)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.getEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.toEntryResponse(entry))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entryID := r.PathValue("entryID")
	if err := s.db.DeleteEntry(ctx, entryID); errors.Is(err, storage.ErrEntryNotFound) {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete entry", slog.String("entryID", entryID), slog.Any("error", err))
		writeJSONError(w, "failed to delete entry", http.StatusInternalServerError)
		return
	}
	if err := s.poller.Unload(ctx, entryID); err != nil && !errors.Is(err, poller.ErrNotLoaded) {
		// the entry is gone either way, the host just keeps stale entities
		log.Ctx(ctx).WarnContext(ctx, "failed to unload entry", slog.String("entryID", entryID), slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "deleted entry", slog.String("entryID", entryID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.flows.StartOptions(ctx, r.PathValue("entryID"))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start options flow", slog.Any("error", err))
		writeJSONError(w, "failed to start options flow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

type updateOptionsRequest struct {
	// SelectedTanks keeps the current selection when omitted
	SelectedTanks []int64             `json:"selectedTanks"`
	Options       types.SensorOptions `json:"options"`
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateOptionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := s.flows.UpdateOptions(ctx, r.PathValue("entryID"), req.SelectedTanks, req.Options)
	if errors.Is(err, storage.ErrEntryNotFound) {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update options", slog.Any("error", err))
		writeJSONError(w, "failed to update options", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.toEntryResponse(entry))
}

func (s *Server) handleStartReauth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.flows.StartReauth(ctx, r.PathValue("entryID"))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start reauth flow", slog.Any("error", err))
		writeJSONError(w, "failed to start reauth flow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entryID := r.PathValue("entryID")
	err := s.poller.Refresh(ctx, entryID)
	switch {
	case err == nil:
	case errors.Is(err, poller.ErrNotLoaded):
		writeJSONError(w, "entry not loaded", http.StatusNotFound)
		return
	case errors.Is(err, poller.ErrReauthRequired):
		writeJSONError(w, "reauthentication required", http.StatusConflict)
		return
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh entry", slog.String("entryID", entryID), slog.Any("error", err))
		writeJSONError(w, "failed to refresh entry", http.StatusBadGateway)
		return
	}
	writeJSON(w, s.states(entryID))
}

func (s *Server) states(entryID string) []types.EntityState {
	states := s.poller.States(entryID)
	if states == nil {
		states = []types.EntityState{}
	}
	return states
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entryID")
	if _, ok := s.poller.Entry(entryID); !ok {
		writeJSONError(w, "entry not loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, s.states(entryID))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := s.getEntry(w, r)
	if !ok {
		return
	}
	creds, err := s.box.Decrypt(ctx, entry.EncryptedCredentials)
	if err != nil {
		writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
		return
	}

	readings, loaded := s.poller.Readings(entry.ID)
	if loaded {
		if le, ok := s.poller.Entry(entry.ID); ok {
			entry.AuthStatus = le.AuthStatus
		}
	} else {
		readings, err = s.db.GetReadings(ctx, entry.ID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get readings", slog.String("entryID", entry.ID), slog.Any("error", err))
			writeJSONError(w, "failed to get readings", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, diagnostics.Build(entry, creds, readings, s.poller.States(entry.ID)))
}
