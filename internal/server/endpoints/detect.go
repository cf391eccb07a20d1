package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
	"github.com/Woody88/sitelink-sub006/internal/tiles"
)

// DetectRequest scopes a detection run. ValidSheets lists the sheet
// tokens that exist on the plan; SheetIDs optionally maps those tokens to
// sheet record ids so detected cross-references can be resolved.
type DetectRequest struct {
	OrganizationID string            `json:"organizationId"`
	ProjectID      string            `json:"projectId"`
	ValidSheets    []string          `json:"validSheets"`
	SheetIDs       map[string]string `json:"sheetIds,omitempty"`
}

// DetectResponse reports the markers found on one sheet.
type DetectResponse struct {
	PlanID  string                `json:"planId"`
	SheetID string                `json:"sheetId"`
	Markers []events.MarkerRecord `json:"markers"`
}

// DetectEndpoint handles POST /api/plans/{planId}/sheets/{sheet}/detect.
// It assembles the sheet image from its tile pyramid, runs callout
// detection, and appends a v1.SheetCalloutsDetected event. Rerunning
// replaces the sheet's markers on the next fold.
type DetectEndpoint struct{}

func (e *DetectEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/plans/{planId}/sheets/{sheet}/detect", e.handler
}

func (e *DetectEndpoint) RequiresInit() bool { return true }

func (e *DetectEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planId")
	sheet, err := strconv.Atoi(r.PathValue("sheet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "sheet must be an integer")
		return
	}

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OrganizationID == "" || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "organizationId and projectId are required")
		return
	}

	ctx := r.Context()
	store := svcctx.StoreFrom(ctx)
	record, err := tiles.ReadSheetRecord(ctx, store, req.OrganizationID, req.ProjectID, planID, sheet)
	if err != nil {
		writeError(w, http.StatusNotFound, "sheet not found: "+err.Error())
		return
	}

	img, err := svcctx.DownloadsFrom(ctx).SheetImage(ctx, req.OrganizationID, req.ProjectID, planID, sheet)
	if err != nil {
		writeError(w, http.StatusNotFound, "sheet image unavailable: "+err.Error())
		return
	}

	detected, err := svcctx.DetectorFrom(ctx).DetectSheet(ctx, img, req.ValidSheets)
	if err != nil {
		writeError(w, http.StatusBadGateway, "detection failed: "+err.Error())
		return
	}

	markers := make([]events.MarkerRecord, len(detected))
	for i, m := range detected {
		markers[i] = events.MarkerRecord{
			ID:             m.ID,
			Label:          m.Label,
			X:              m.X,
			Y:              m.Y,
			Width:          m.Width,
			Height:         m.Height,
			Confidence:     m.Confidence,
			NeedsReview:    m.NeedsReview,
			TargetSheetRef: m.TargetSheetRef,
		}
		if id, ok := req.SheetIDs[m.TargetSheetRef]; ok {
			markers[i].TargetSheetID = id
		}
	}

	payload := events.SheetCalloutsDetectedPayload{
		PlanID:  planID,
		SheetID: record.ID,
		Markers: markers,
	}
	if _, err := svcctx.EventsFrom(ctx).Append(events.SheetCalloutsDetected, payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	svcctx.LoggerFrom(ctx).Info("sheet detection complete",
		"plan_id", planID,
		"sheet", sheet,
		"markers", len(markers),
	)
	writeJSON(w, http.StatusOK, DetectResponse{
		PlanID:  planID,
		SheetID: record.ID,
		Markers: markers,
	})
}

func (e *DetectEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID, validSheets string
	cmd := &cobra.Command{
		Use:   "detect <plan-id> <sheet>",
		Short: "Run callout detection on a sheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			req := DetectRequest{
				OrganizationID: orgID,
				ProjectID:      projID,
			}
			if validSheets != "" {
				req.ValidSheets = strings.Split(validSheets, ",")
			}
			var resp DetectResponse
			path := "/api/plans/" + args[0] + "/sheets/" + args[1] + "/detect"
			if err := client.Post(cmd.Context(), path, req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	cmd.Flags().StringVar(&validSheets, "valid-sheets", "", "Comma-separated sheet tokens on the plan")
	return cmd
}
