package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"repsheet/internal/reputation"
)

type actorResponse struct {
	Kind   string            `json:"kind"`
	ID     string            `json:"id"`
	Status reputation.Status `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

type flagRequest struct {
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type expireRequest struct {
	Label      string `json:"label"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func parseKind(w http.ResponseWriter, r *http.Request) (reputation.Kind, bool) {
	kind, ok := reputation.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, "Unsupported actor kind", http.StatusBadRequest)
		return 0, false
	}
	return kind, true
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst as is.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) getActor(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	status, reason, err := s.deps.Reputation.ActorStatus(r.Context(), kind, id)
	if err != nil {
		s.deps.Metrics.BackendError("actor_status")
		writeStoreError(w, "actor status", err)
		return
	}
	s.deps.Metrics.StatusLookup(kind.Namespace(), status.String())

	writeJSON(w, http.StatusOK, actorResponse{Kind: kind.Namespace(), ID: id, Status: status, Reason: reason})
}

func (s *Server) markActor(w http.ResponseWriter, r *http.Request) {
	s.setActorFlag(w, r, reputation.LabelMarked)
}

func (s *Server) blacklistActor(w http.ResponseWriter, r *http.Request) {
	s.setActorFlag(w, r, reputation.LabelBlacklist)
}

func (s *Server) whitelistActor(w http.ResponseWriter, r *http.Request) {
	s.setActorFlag(w, r, reputation.LabelWhitelist)
}

// setActorFlag writes one flag. A positive ttl_seconds makes it expire; for
// blacklists that goes through BlacklistAndExpire so flag, reason and history
// are written together.
func (s *Server) setActorFlag(w http.ResponseWriter, r *http.Request, label string) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var body flagRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.TTLSeconds < 0 {
		writeError(w, reputation.ErrInvalidTTL.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error
	switch label {
	case reputation.LabelBlacklist:
		if body.TTLSeconds > 0 {
			err = s.deps.Reputation.BlacklistAndExpire(ctx, kind, id, body.TTLSeconds, body.Reason)
		} else {
			err = s.deps.Reputation.BlacklistActor(ctx, kind, id, body.Reason)
		}
		if err == nil {
			s.deps.Metrics.BlacklistWrite(kind.Namespace())
		}
	case reputation.LabelWhitelist:
		err = s.deps.Reputation.WhitelistActor(ctx, kind, id, body.Reason)
	default:
		err = s.deps.Reputation.MarkActor(ctx, kind, id, body.Reason)
	}

	if err == nil && body.TTLSeconds > 0 && label != reputation.LabelBlacklist {
		_, err = s.deps.Reputation.ExpireFlag(ctx, kind, id, label, body.TTLSeconds)
	}
	if err != nil {
		writeStoreError(w, "set "+label, err)
		return
	}

	s.getActor(w, r)
}

func (s *Server) expireActor(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var body expireRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	label, flag, ok := labelFromName(body.Label)
	if !ok {
		writeError(w, "Unknown label", http.StatusBadRequest)
		return
	}

	expire := s.deps.Reputation.ExpireFlag
	if !flag {
		expire = s.deps.Reputation.Expire
	}
	existed, err := expire(r.Context(), kind, id, label, body.TTLSeconds)
	if err != nil {
		writeStoreError(w, "expire", err)
		return
	}
	if !existed {
		writeError(w, "No such record", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"label": label, "ttl_seconds": body.TTLSeconds})
}

// labelFromName accepts the short names mark, blacklist and whitelist as well
// as the stored labels themselves. flag is false for the reason sub-records,
// which expire on their own.
func labelFromName(name string) (label string, flag bool, ok bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "mark", "marked", reputation.LabelMarked:
		return reputation.LabelMarked, true, true
	case "blacklist", "blacklisted", reputation.LabelBlacklist:
		return reputation.LabelBlacklist, true, true
	case "whitelist", "whitelisted", reputation.LabelWhitelist:
		return reputation.LabelWhitelist, true, true
	}

	for _, flagLabel := range []string{reputation.LabelMarked, reputation.LabelBlacklist, reputation.LabelWhitelist} {
		if name == flagLabel+":reason" {
			return name, false, true
		}
	}
	return "", false, false
}
