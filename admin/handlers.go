// Package admin exposes the control and status HTTP API: publication and
// subscription management plus slot and feed inspection.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/subscription"
)

// Handlers serves the admin API endpoints.
type Handlers struct {
	slots         *slot.Manager
	publications  *publication.Registry
	subscriptions *subscription.Manager
	changeFeed    *feed.Log
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	slots *slot.Manager,
	publications *publication.Registry,
	subscriptions *subscription.Manager,
	changeFeed *feed.Log,
) *Handlers {
	return &Handlers{
		slots:         slots,
		publications:  publications,
		subscriptions: subscriptions,
		changeFeed:    changeFeed,
	}
}

type createPublicationRequest struct {
	Name      string `json:"name"`
	AllTables bool   `json:"all_tables"`
}

type addTableRequest struct {
	Table      string `json:"table"`
	Operations string `json:"operations"`
}

type createSubscriptionRequest struct {
	Name        string `json:"name"`
	Publication string `json:"publication"`
	CopyData    *bool  `json:"copy_data"`
}

type publicationView struct {
	Name      string   `json:"name"`
	AllTables bool     `json:"all_tables"`
	Tables    []string `json:"tables,omitempty"`
}

type slotView struct {
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	Active            bool   `json:"active"`
	ConfirmedPosition uint64 `json:"confirmed_position"`
	RestartPosition   uint64 `json:"restart_position"`
	Owner             string `json:"owner"`
}

type taskView struct {
	Table            string `json:"table"`
	State            string `json:"state"`
	SnapshotPosition uint64 `json:"snapshot_position"`
	Error            string `json:"error,omitempty"`
}

type subscriptionView struct {
	Name        string     `json:"name"`
	Publication string     `json:"publication"`
	State       string     `json:"state"`
	LastError   string     `json:"last_error,omitempty"`
	Tasks       []taskView `json:"tasks,omitempty"`
}

type statusView struct {
	HeadPosition  uint64 `json:"head_position"`
	SlotCapacity  int    `json:"slot_capacity"`
	SlotsInUse    int    `json:"slots_in_use"`
	Publications  int    `json:"publications"`
	Subscriptions int    `json:"subscriptions"`
}

// statusCode maps domain errors onto HTTP statuses. Stable error strings
// pass through untouched so operators can match on them.
func statusCode(err error) int {
	var notFound *publication.NotFoundError
	var exhausted *slot.ExhaustedError
	var badPattern *publication.InvalidPatternError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &exhausted):
		return http.StatusConflict
	case errors.As(err, &badPattern):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
