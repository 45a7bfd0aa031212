package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps domain errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidSeverity),
		errors.Is(err, model.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidFormation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.From(r.Context()).Error("request failed", "error", err, "status", status)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return goerr.Wrap(model.ErrInvalidInput, "malformed request body", goerr.V("cause", err.Error()))
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, goerr.Wrap(model.ErrInvalidInput, "query parameter must be a non-negative integer", goerr.V(key, raw))
	}
	return v, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	result, err := s.ingester.IngestJSON(r.Context(), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleHotThreats(w http.ResponseWriter, r *http.Request) {
	minInteractions, err := queryInt(r, "min_interactions", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threats, err := s.orch.GetHotThreats(r.Context(), minInteractions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threats)
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	id := model.ThreatID(mux.Vars(r)["id"])
	result, err := s.orch.IntelligentGet(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemoveThreat(w http.ResponseWriter, r *http.Request) {
	id := model.ThreatID(mux.Vars(r)["id"])
	removed, err := s.orch.RemoveThreat(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !removed {
		s.writeError(w, r, goerr.Wrap(model.ErrNotFound, "threat is not active", goerr.V("threat_id", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	id := model.ThreatID(mux.Vars(r)["id"])
	var action model.AnalystAction
	if err := decodeBody(w, r, &action); err != nil {
		s.writeError(w, r, err)
		return
	}
	threat, err := s.orch.RecordAction(r.Context(), id, action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threat)
}

func (s *Server) handleFormFromThreat(w http.ResponseWriter, r *http.Request) {
	id := model.ThreatID(mux.Vars(r)["id"])
	var input model.EvidenceInput
	if err := decodeBody(w, r, &input); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.orch.FormFromThreat(r.Context(), id, input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, formationStatus(result.Memory != nil), result)
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	var ev model.Evidence
	if err := decodeBody(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.orch.Form(r.Context(), &ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, formationStatus(result.Memory != nil), result)
}

// formationStatus is 201 when a memory was formed; a declined formation is a normal outcome
func formationStatus(formed bool) int {
	if formed {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *Server) handleTopThreats(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	memories, err := s.orch.GetTopThreats(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memories)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.PromoteEligible(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListLongTerm(w http.ResponseWriter, r *http.Request) {
	memoryType := model.MemoryType(r.URL.Query().Get("type"))
	memories, err := s.orch.ListLongTerm(r.Context(), memoryType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memories)
}

func (s *Server) handleGetLongTerm(w http.ResponseWriter, r *http.Request) {
	mem, err := s.orch.GetLongTerm(r.Context(), model.MemoryID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.orch.GetHealth()
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
