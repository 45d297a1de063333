package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"infonomy/internal/db"
	"infonomy/internal/engine"
)

func (s *Server) handleStartInspection(w http.ResponseWriter, r *http.Request, user *db.User) {
	c := s.ownRootContext(w, r, user, "id")
	if c == nil {
		return
	}
	var req struct {
		InfoOfferIDs []int64 `json:"info_offer_ids"`
	}
	// No body at all is fine: it means the default batch.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, 400, "invalid json")
		return
	}
	// An empty list reads as "no preference", same as omitting the field.
	// The default batch is every offer the agent has not seen yet.
	if len(req.InfoOfferIDs) == 0 {
		req.InfoOfferIDs = nil
	}
	insp, err := s.engine.StartInspection(r.Context(), c, req.InfoOfferIDs)
	if errors.Is(err, engine.ErrNotRoot) {
		writeError(w, 400, err.Error())
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, insp)
}

func (s *Server) handleListInspections(w http.ResponseWriter, r *http.Request, user *db.User) {
	c := s.ownRootContext(w, r, user, "id")
	if c == nil {
		return
	}
	inspections, err := s.store.ListInspectionsByContext(r.Context(), c.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if inspections == nil {
		inspections = []*db.Inspection{}
	}
	writeJSON(w, map[string]interface{}{"inspections": inspections})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, _ *db.User) {
	job, ok := s.engine.Job(r.PathValue("id"))
	if !ok {
		writeError(w, 404, "not found")
		return
	}
	writeJSON(w, job)
}
