package dispatch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
)

// NewLogHandler returns an HTTP handler exposing the offer audit trail via
// GET /api/dispatch/logs. Query parameters ride_id, puller_id, action, start
// and end (RFC 3339) narrow the result. Requests must include an
// Authorization header with "Bearer <token>" when token is non-empty.
func NewLogHandler(store logging.LogStore, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		qs := r.URL.Query()
		q := logging.LogQuery{
			RideID:   qs.Get("ride_id"),
			PullerID: qs.Get("puller_id"),
			Action:   qs.Get("action"),
		}
		var err error
		if q.Start, err = parseTime(qs.Get("start")); err != nil {
			http.Error(w, "invalid start: "+err.Error(), http.StatusBadRequest)
			return
		}
		if q.End, err = parseTime(qs.Get("end")); err != nil {
			http.Error(w, "invalid end: "+err.Error(), http.StatusBadRequest)
			return
		}
		if q.Action != "" && !knownAction(q.Action) {
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []logging.LogRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func knownAction(a string) bool {
	switch a {
	case logging.ActionOffer, logging.ActionRedistribution, logging.ActionExpired:
		return true
	default:
		return false
	}
}
