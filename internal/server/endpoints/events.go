package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// PullEventsResponse carries events after a cursor plus the new cursor.
type PullEventsResponse struct {
	Events []events.Event `json:"events"`
	Cursor uint64         `json:"cursor"`
}

// PullEventsEndpoint handles GET /api/events?cursor=N. Clients poll with
// their last cursor to replay the marker event stream incrementally.
type PullEventsEndpoint struct{}

func (e *PullEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/events", e.handler
}

func (e *PullEventsEndpoint) RequiresInit() bool { return true }

func (e *PullEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}

	evs, next := svcctx.EventsFrom(r.Context()).Pull(cursor)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, PullEventsResponse{Events: evs, Cursor: next})
}

func (e *PullEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var cursor uint64
	cmd := &cobra.Command{
		Use:   "events-pull",
		Short: "Pull domain events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PullEventsResponse
			path := "/api/events?cursor=" + strconv.FormatUint(cursor, 10)
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().Uint64Var(&cursor, "cursor", 0, "Last seen event sequence number")
	return cmd
}

// PushEventsRequest carries events to append. Sequence numbers are
// assigned server-side in arrival order.
type PushEventsRequest struct {
	Events []events.Event `json:"events"`
}

// PushEventsEndpoint handles POST /api/events.
type PushEventsEndpoint struct{}

func (e *PushEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/events", e.handler
}

func (e *PushEventsEndpoint) RequiresInit() bool { return true }

func (e *PushEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req PushEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must be non-empty")
		return
	}
	for _, ev := range req.Events {
		if ev.Name == "" {
			writeError(w, http.StatusBadRequest, "every event needs a name")
			return
		}
	}

	stored := svcctx.EventsFrom(r.Context()).Push(req.Events)
	writeJSON(w, http.StatusOK, PullEventsResponse{
		Events: stored,
		Cursor: stored[len(stored)-1].Seq,
	})
}

func (e *PushEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var eventsJSON string
	cmd := &cobra.Command{
		Use:   "events-push",
		Short: "Append domain events to the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req PushEventsRequest
			if err := json.Unmarshal([]byte(eventsJSON), &req.Events); err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp PullEventsResponse
			if err := client.Post(cmd.Context(), "/api/events", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&eventsJSON, "events", "", "Events to append as a JSON array")
	return cmd
}
