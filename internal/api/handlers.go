package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/scheduler"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const dateLayout = "2006-01-02"

// TargetView is a target together with its live scheduling state.
type TargetView struct {
	discovery.SearchTarget
	Schedule *scheduler.TargetStatus `json:"schedule,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Status.Report(r.Context()))
}

func (s *Server) listOpportunities(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOpportunityFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.deps.Opportunities.Feed(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []discovery.OpportunityRecord{}
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) getOpportunity(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Opportunities.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listVerifications(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Opportunities.Verifications(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if history == nil {
		history = []discovery.VerificationResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"verifications": history})
}

func (s *Server) reverifyOpportunity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Opportunities.ReVerify(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("opportunity reverified",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("opportunity_id", id),
		zap.String("status", string(res.Status)),
	)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.deps.Targets.ListAll(r.Context(), r.URL.Query().Get("country"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	states := map[string]scheduler.TargetStatus{}
	if s.deps.Controller != nil {
		for _, st := range s.deps.Controller.Snapshot() {
			states[st.TargetID] = st
		}
	}
	views := make([]TargetView, 0, len(targets))
	for _, t := range targets {
		view := TargetView{SearchTarget: t}
		if st, ok := states[t.ID]; ok {
			view.Schedule = &st
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": views})
}

func (s *Server) putTarget(w http.ResponseWriter, r *http.Request) {
	var target discovery.SearchTarget
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&target); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id := chi.URLParam(r, "id")
	if target.ID != "" && target.ID != id {
		s.writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	target.ID = id
	saved, err := s.deps.Targets.Upsert(r.Context(), target)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if s.deps.Controller != nil {
		if err := s.deps.Controller.Reload(r.Context()); err != nil {
			s.logger.Warn("scheduler reload failed", zap.String("target_id", id), zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) pauseTarget(w http.ResponseWriter, r *http.Request) {
	s.changeTargetState(w, r, "paused")
}

func (s *Server) reactivateTarget(w http.ResponseWriter, r *http.Request) {
	s.changeTargetState(w, r, "reactivated")
}

func (s *Server) changeTargetState(w http.ResponseWriter, r *http.Request, action string) {
	if s.deps.Controller == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	if action == "paused" {
		err = s.deps.Controller.Pause(r.Context(), id)
	} else {
		err = s.deps.Controller.Reactivate(r.Context(), id)
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("target "+action,
		zap.String("request_id", RequestID(r.Context())),
		zap.String("target_id", id),
	)
	s.writeJSON(w, http.StatusOK, map[string]string{"target_id": id, "status": action})
}

func (s *Server) listStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.StatsFilter{Country: q.Get("country")}
	if raw := q.Get("date"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		filter.Date = &d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	snaps, err := s.deps.Statistics.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []discovery.StatisticsSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"statistics": snaps})
}

// parseOpportunityFilter reads feed query parameters. Absent parameters
// leave the corresponding filter open.
func parseOpportunityFilter(r *http.Request) (store.OpportunityFilter, error) {
	q := r.URL.Query()
	filter := store.OpportunityFilter{
		Country: q.Get("country"),
		Sector:  q.Get("sector"),
		Query:   strings.TrimSpace(q.Get("q")),
	}
	var err error
	if filter.Active, err = parseBool(q.Get("active"), "active"); err != nil {
		return filter, err
	}
	if filter.Verified, err = parseBool(q.Get("verified"), "verified"); err != nil {
		return filter, err
	}
	if filter.DeadlineFrom, err = parseDate(q.Get("deadline_from"), "deadline_from"); err != nil {
		return filter, err
	}
	if filter.DeadlineTo, err = parseDate(q.Get("deadline_to"), "deadline_to"); err != nil {
		return filter, err
	}
	if raw := q.Get("min_amount"); raw != "" {
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || v < 0 {
			return filter, fmt.Errorf("min_amount must be a non-negative number")
		}
		filter.MinAmount = &v
	}
	if filter.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	filter.Limit = opportunity.ClampLimit(filter.Limit)
	if filter.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseBool(raw, name string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &v, nil
}

func parseDate(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD or RFC3339", name)
	}
	return &t, nil
}

func parseInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
