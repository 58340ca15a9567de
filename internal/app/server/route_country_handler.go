package server

import (
	"net/http"
	"strings"

	"repsheet/internal/reputation"
)

type countryResponse struct {
	Code   string            `json:"code"`
	Status reputation.Status `json:"status"`
}

func (s *Server) listCountries(w http.ResponseWriter, r *http.Request) {
	codes, err := s.deps.Reputation.MarkedCountries(r.Context())
	if err != nil {
		writeStoreError(w, "marked countries", err)
		return
	}
	if codes == nil {
		codes = []string{}
	}
	writeJSON(w, http.StatusOK, codes)
}

func (s *Server) getCountry(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))
	status, err := s.deps.Reputation.CountryStatus(r.Context(), code)
	if err != nil {
		writeStoreError(w, "country status", err)
		return
	}
	writeJSON(w, http.StatusOK, countryResponse{Code: code, Status: status})
}

func (s *Server) markCountry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reputation.MarkCountry(r.Context(), r.PathValue("code")); err != nil {
		writeStoreError(w, "mark country", err)
		return
	}
	s.getCountry(w, r)
}

func (s *Server) unmarkCountry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reputation.UnmarkCountry(r.Context(), r.PathValue("code")); err != nil {
		writeStoreError(w, "unmark country", err)
		return
	}
	s.getCountry(w, r)
}
