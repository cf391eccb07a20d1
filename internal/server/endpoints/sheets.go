package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/storage"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
	"github.com/Woody88/sitelink-sub006/internal/tiles"
)

// SheetEndpoint handles GET /api/plans/{planId}/sheets/{sheet}. It returns
// the persisted sheet record written when tiling completed.
type SheetEndpoint struct{}

func (e *SheetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/plans/{planId}/sheets/{sheet}", e.handler
}

func (e *SheetEndpoint) RequiresInit() bool { return true }

func (e *SheetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	record, err := tiles.ReadSheetRecord(r.Context(), svcctx.StoreFrom(r.Context()), orgID, projID, planID, sheet)
	if err != nil {
		writeError(w, http.StatusNotFound, "sheet not found: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (e *SheetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID string
	cmd := &cobra.Command{
		Use:   "sheets-get <plan-id> <sheet>",
		Short: "Show a sheet's tiling record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var record tiles.Sheet
			path := "/api/plans/" + args[0] + "/sheets/" + args[1] +
				"?organizationId=" + orgID + "&projectId=" + projID
			if err := client.Get(cmd.Context(), path, &record); err != nil {
				return err
			}
			return api.Output(record)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	return cmd
}

// SheetListResponse lists all tiled sheets of a plan.
type SheetListResponse struct {
	PlanID string        `json:"planId"`
	Sheets []tiles.Sheet `json:"sheets"`
}

// SheetListEndpoint handles GET /api/plans/{planId}/sheets.
type SheetListEndpoint struct{}

func (e *SheetListEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/plans/{planId}/sheets", e.handler
}

func (e *SheetListEndpoint) RequiresInit() bool { return true }

func (e *SheetListEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planId")
	orgID := r.URL.Query().Get("organizationId")
	projID := r.URL.Query().Get("projectId")
	if orgID == "" || projID == "" {
		writeError(w, http.StatusBadRequest, "organizationId and projectId query parameters are required")
		return
	}

	ctx := r.Context()
	store := svcctx.StoreFrom(ctx)
	prefix := storage.PlanPrefix(orgID, projID, planID) + "/sheets/"
	keys, err := store.List(ctx, prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sheets := []tiles.Sheet{}
	for _, key := range keys {
		if !strings.HasSuffix(key, "/sheet.json") {
			continue
		}
		data, err := store.Get(ctx, key)
		if err != nil {
			continue
		}
		var s tiles.Sheet
		if err := json.Unmarshal(data, &s); err != nil {
			svcctx.LoggerFrom(ctx).Warn("skipping malformed sheet record", "key", key, "error", err)
			continue
		}
		sheets = append(sheets, s)
	}
	writeJSON(w, http.StatusOK, SheetListResponse{PlanID: planID, Sheets: sheets})
}

func (e *SheetListEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID string
	cmd := &cobra.Command{
		Use:   "sheets-list <plan-id>",
		Short: "List tiled sheets for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SheetListResponse
			path := "/api/plans/" + args[0] + "/sheets?organizationId=" + orgID + "&projectId=" + projID
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
