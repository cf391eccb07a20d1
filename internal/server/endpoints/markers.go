package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
	"github.com/Woody88/sitelink-sub006/internal/tiles"
)

// MarkersResponse lists the current markers for one sheet, folded from
// the event stream.
type MarkersResponse struct {
	SheetID string                `json:"sheetId"`
	Markers []events.MarkerRecord `json:"markers"`
}

// SheetMarkersEndpoint handles GET /api/plans/{planId}/sheets/{sheet}/markers.
type SheetMarkersEndpoint struct{}

func (e *SheetMarkersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/plans/{planId}/sheets/{sheet}/markers", e.handler
}

func (e *SheetMarkersEndpoint) RequiresInit() bool { return true }

func (e *SheetMarkersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planId")
	sheet, err := strconv.Atoi(r.PathValue("sheet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "sheet must be an integer")
		return
	}
	orgID := r.URL.Query().Get("organizationId")
	projID := r.URL.Query().Get("projectId")
	if orgID == "" || projID == "" {
		writeError(w, http.StatusBadRequest, "organizationId and projectId query parameters are required")
		return
	}

	ctx := r.Context()
	record, err := tiles.ReadSheetRecord(ctx, svcctx.StoreFrom(ctx), orgID, projID, planID, sheet)
	if err != nil {
		writeError(w, http.StatusNotFound, "sheet not found: "+err.Error())
		return
	}

	stream, _ := svcctx.EventsFrom(ctx).Pull(0)
	view := events.FoldMarkers(stream)
	markers := view[record.ID]
	if markers == nil {
		markers = []events.MarkerRecord{}
	}
	writeJSON(w, http.StatusOK, MarkersResponse{SheetID: record.ID, Markers: markers})
}

func (e *SheetMarkersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID string
	cmd := &cobra.Command{
		Use:   "markers <plan-id> <sheet>",
		Short: "List detected markers for a sheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp MarkersResponse
			path := "/api/plans/" + args[0] + "/sheets/" + args[1] + "/markers" +
				"?organizationId=" + orgID + "&projectId=" + projID
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	return cmd
}

// CorrectMarkerRequest carries a human correction of one marker.
type CorrectMarkerRequest struct {
	OrganizationID string              `json:"organizationId"`
	ProjectID      string              `json:"projectId"`
	Marker         events.MarkerRecord `json:"marker"`
}

// CorrectMarkerEndpoint handles POST /api/plans/{planId}/sheets/{sheet}/markers/correct.
// Corrections are events too: the fold applies them on top of the last
// detection run for the sheet.
type CorrectMarkerEndpoint struct{}

func (e *CorrectMarkerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/plans/{planId}/sheets/{sheet}/markers/correct", e.handler
}

func (e *CorrectMarkerEndpoint) RequiresInit() bool { return true }

func (e *CorrectMarkerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planId")
	sheet, err := strconv.Atoi(r.PathValue("sheet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "sheet must be an integer")
		return
	}

	var req CorrectMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OrganizationID == "" || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "organizationId and projectId are required")
		return
	}
	if req.Marker.ID == "" {
		writeError(w, http.StatusBadRequest, "marker.id is required")
		return
	}

	ctx := r.Context()
	record, err := tiles.ReadSheetRecord(ctx, svcctx.StoreFrom(ctx), req.OrganizationID, req.ProjectID, planID, sheet)
	if err != nil {
		writeError(w, http.StatusNotFound, "sheet not found: "+err.Error())
		return
	}

	// A corrected marker has been reviewed.
	req.Marker.NeedsReview = false
	payload := events.MarkerCorrectedPayload{
		PlanID:  planID,
		SheetID: record.ID,
		Marker:  req.Marker,
	}
	ev, err := svcctx.EventsFrom(ctx).Append(events.MarkerCorrected, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (e *CorrectMarkerEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID, markerJSON string
	cmd := &cobra.Command{
		Use:   "markers-correct <plan-id> <sheet>",
		Short: "Apply a manual correction to a marker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var marker events.MarkerRecord
			if err := json.Unmarshal([]byte(markerJSON), &marker); err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var ev events.Event
			path := "/api/plans/" + args[0] + "/sheets/" + args[1] + "/markers/correct"
			req := CorrectMarkerRequest{OrganizationID: orgID, ProjectID: projID, Marker: marker}
			if err := client.Post(cmd.Context(), path, req, &ev); err != nil {
				return err
			}
			return api.Output(ev)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	cmd.Flags().StringVar(&markerJSON, "marker", "", "Marker correction as JSON")
	return cmd
}
