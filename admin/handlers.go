package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/session"
	"github.com/civetdb/civet/txn"
)

// AdminHandlers serves the node's session administration endpoints
type AdminHandlers struct {
	sc *session.ServiceContext

	quiesceMu sync.Mutex
	quiescing bool
}

// NewAdminHandlers creates handlers bound to a service context
func NewAdminHandlers(sc *session.ServiceContext) *AdminHandlers {
	return &AdminHandlers{sc: sc}
}

func (h *AdminHandlers) adminOp(r *http.Request) *session.Operation {
	return session.NewOperation(r.Context(), session.NewClient("admin"))
}

// sessionInfo is one row of the sessions listing
type sessionInfo struct {
	SID              string `json:"sid"`
	Valid            bool   `json:"valid"`
	HighestTxnNumber int64  `json:"highest_txn_number"`
}

// handleListSessions lists resident sessions, optionally filtered by a
// glob pattern on the canonical SID.
func (h *AdminHandlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	matcher, err := matcherFromQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions := make([]sessionInfo, 0)
	h.sc.Catalog().Scan(h.adminOp(r), matcher, func(_ *session.Operation, p *txn.Participant) {
		sessions = append(sessions, sessionInfo{
			SID:              p.SID(),
			Valid:            p.Valid(),
			HighestTxnNumber: p.HighestTxnNumber(),
		})
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SID < sessions[j].SID })

	writeJSONResponse(w, sessions)
}

// erasedInfo is one row of the recently-erased listing
type erasedInfo struct {
	SID      string `json:"sid"`
	ErasedAt string `json:"erased_at"`
}

// handleRecentSessions lists recently erased sessions, oldest first
func (h *AdminHandlers) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	erased := h.sc.Catalog().RecentlyErased()

	out := make([]erasedInfo, 0, len(erased))
	for sid, when := range erased {
		out = append(out, erasedInfo{SID: sid, ErasedAt: formatTimestamp(when)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ErasedAt == out[j].ErasedAt {
			return out[i].SID < out[j].SID
		}
		return out[i].ErasedAt < out[j].ErasedAt
	})

	writeJSONResponse(w, out)
}

type killRequest struct {
	Pattern string `json:"pattern"`
}

// handleKillSessions invalidates every session matching the posted glob
// pattern and reports the hit count.
func (h *AdminHandlers) handleKillSessions(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Pattern == "" {
		writeErrorResponse(w, http.StatusBadRequest, "pattern is required")
		return
	}

	matcher, err := session.NewGlobMatcher(req.Pattern)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	killed, err := h.sc.Catalog().KillMatching(h.adminOp(r), matcher)
	if err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}

	log.Info().Str("pattern", req.Pattern).Int("killed", killed).Msg("Admin kill request")
	writeJSONResponse(w, map[string]interface{}{"killed": killed})
}

type quiesceRequest struct {
	TimeoutMS int `json:"timeout_ms"`
}

// handleQuiesce runs one bounded quiesce window: new checkouts are held at
// the gate while the handler waits for in-flight checkouts to drain, then
// the gate reopens. Only one window can be active at a time.
func (h *AdminHandlers) handleQuiesce(w http.ResponseWriter, r *http.Request) {
	// An empty body means defaults
	var req quiesceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	timeout := 10 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	h.quiesceMu.Lock()
	if h.quiescing {
		h.quiesceMu.Unlock()
		writeErrorResponse(w, http.StatusConflict, "quiesce already in progress")
		return
	}
	h.quiescing = true
	h.quiesceMu.Unlock()
	defer func() {
		h.quiesceMu.Lock()
		h.quiescing = false
		h.quiesceMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	op := session.NewOperation(ctx, session.NewClient("admin"))

	started := time.Now()
	q := h.sc.Catalog().StartQuiesce()
	err := q.WaitForDrain(op)
	q.End()

	drained := err == nil
	if err != nil {
		log.Warn().Err(err).Dur("waited", time.Since(started)).Msg("Quiesce drain timed out")
	}

	writeJSONResponse(w, map[string]interface{}{
		"drained":     drained,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

// handleStats reports catalog counters
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	active, checkedOut := h.sc.Catalog().Stats()
	writeJSONResponse(w, map[string]interface{}{
		"active_sessions": active,
		"checked_out":     checkedOut,
		"recently_erased": len(h.sc.Catalog().RecentlyErased()),
	})
}

// handleHealth is a liveness probe
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"status": "ok"})
}

// matcherFromQuery builds a matcher from the optional pattern query param
func matcherFromQuery(r *http.Request) (session.Matcher, error) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		return session.MatchAll{}, nil
	}
	return session.NewGlobMatcher(pattern)
}

// writeJSONResponse writes a JSON response envelope
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{"data": data}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{"error": message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp renders a time in RFC3339 with millisecond precision
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
