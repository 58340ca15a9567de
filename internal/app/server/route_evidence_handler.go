package server

import (
	"net/http"
	"strconv"

	"repsheet/internal/evidence"
)

const maxAuditPage = 1000

func queryInt(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) getRuleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Ledger.RuleCounts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "rule counts", err)
		return
	}
	if counts == nil {
		counts = []evidence.RuleCount{}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) incrementRule(w http.ResponseWriter, r *http.Request) {
	rule := r.PathValue("rule")
	count, err := s.deps.Ledger.IncrementRuleCount(r.Context(), r.PathValue("id"), rule)
	if err != nil {
		writeStoreError(w, "increment rule", err)
		return
	}
	writeJSON(w, http.StatusOK, evidence.RuleCount{Rule: rule, Count: count})
}

func (s *Server) getRequests(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	entries, err := s.deps.Ledger.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeStoreError(w, "request history", err)
		return
	}
	if entries == nil {
		entries = []evidence.RequestEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getBlacklistHistory(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}

	members, err := s.deps.Ledger.BlacklistHistory(r.Context(), kind)
	if err != nil {
		writeStoreError(w, "blacklist history", err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) getBlacklistEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, "Audit log is not configured", http.StatusNotFound)
		return
	}
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok || limit > maxAuditPage {
		writeError(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	events, err := s.deps.Audit.ListBlacklistEvents(r.Context(), kind, r.URL.Query().Get("actor"), limit)
	if err != nil {
		writeStoreError(w, "blacklist events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
