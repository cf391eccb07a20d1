package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// InitializeUploadRequest is the body for upload initialization.
type InitializeUploadRequest struct {
	TotalSheets int `json:"totalSheets"`
	// TimeoutMs is the tiling deadline in milliseconds. Zero times the
	// upload out immediately; negative disables the deadline.
	TimeoutMs int64 `json:"timeoutMs"`
}

// InitializeUploadEndpoint handles POST /api/uploads/{uploadId}/initialize.
type InitializeUploadEndpoint struct{}

func (e *InitializeUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/uploads/{uploadId}/initialize", e.handler
}

func (e *InitializeUploadEndpoint) RequiresInit() bool { return true }

func (e *InitializeUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "uploadId is required")
		return
	}

	var req InitializeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TotalSheets <= 0 {
		writeError(w, http.StatusBadRequest, "totalSheets must be positive")
		return
	}

	coord := svcctx.UploadsFrom(r.Context()).Get(uploadID)
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs < 0 {
		timeout = -1
	}
	if err := coord.Initialize(r.Context(), req.TotalSheets, timeout); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap, err := coord.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e *InitializeUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var totalSheets int
	var timeoutMs int64
	cmd := &cobra.Command{
		Use:   "uploads-initialize <upload-id>",
		Short: "Initialize tracking for an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap coordinator.Snapshot
			body := InitializeUploadRequest{TotalSheets: totalSheets, TimeoutMs: timeoutMs}
			path := fmt.Sprintf("/api/uploads/%s/initialize", args[0])
			if err := client.Post(cmd.Context(), path, body, &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
	cmd.Flags().IntVar(&totalSheets, "total-sheets", 0, "Number of sheets in the upload")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", int64(30*time.Minute/time.Millisecond), "Tiling deadline in milliseconds")
	return cmd
}

// SheetReportRequest is the body for sheet completion/failure reports.
type SheetReportRequest struct {
	// Cause carries the failure reason (failure reports only).
	Cause string `json:"cause,omitempty"`
}

// SheetCompleteEndpoint handles POST /api/uploads/{uploadId}/sheets/{sheet}/complete.
type SheetCompleteEndpoint struct{}

func (e *SheetCompleteEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/uploads/{uploadId}/sheets/{sheet}/complete", e.handler
}

func (e *SheetCompleteEndpoint) RequiresInit() bool { return true }

func (e *SheetCompleteEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	reportSheet(w, r, false)
}

func (e *SheetCompleteEndpoint) Command(getServerURL func() string) *cobra.Command {
	return sheetReportCommand(getServerURL, "complete", "Report a sheet as tiled")
}

// SheetFailEndpoint handles POST /api/uploads/{uploadId}/sheets/{sheet}/fail.
type SheetFailEndpoint struct{}

func (e *SheetFailEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/uploads/{uploadId}/sheets/{sheet}/fail", e.handler
}

func (e *SheetFailEndpoint) RequiresInit() bool { return true }

func (e *SheetFailEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	reportSheet(w, r, true)
}

func (e *SheetFailEndpoint) Command(getServerURL func() string) *cobra.Command {
	return sheetReportCommand(getServerURL, "fail", "Report a sheet as permanently failed")
}

func reportSheet(w http.ResponseWriter, r *http.Request, failed bool) {
	uploadID := r.PathValue("uploadId")
	sheet, err := strconv.Atoi(r.PathValue("sheet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "sheet must be an integer")
		return
	}

	var req SheetReportRequest
	if r.Body != nil {
		// Body is optional for completion reports.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	coord := svcctx.UploadsFrom(r.Context()).Get(uploadID)
	if failed {
		err = coord.SheetFailed(r.Context(), sheet, errors.New(req.Cause))
	} else {
		err = coord.SheetCompleted(r.Context(), sheet)
	}
	switch {
	case errors.Is(err, coordinator.ErrNotInitialized):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, coordinator.ErrSheetOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap, err := coord.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func sheetReportCommand(getServerURL func() string, verb, short string) *cobra.Command {
	var cause string
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("uploads-sheet-%s <upload-id> <sheet>", verb),
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap coordinator.Snapshot
			path := fmt.Sprintf("/api/uploads/%s/sheets/%s/%s", args[0], args[1], verb)
			if err := client.Post(cmd.Context(), path, SheetReportRequest{Cause: cause}, &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
	if verb == "fail" {
		cmd.Flags().StringVar(&cause, "cause", "", "Failure reason")
	}
	return cmd
}

// UploadStatusEndpoint handles GET /api/uploads/{uploadId}/status.
type UploadStatusEndpoint struct{}

func (e *UploadStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/uploads/{uploadId}/status", e.handler
}

func (e *UploadStatusEndpoint) RequiresInit() bool { return true }

func (e *UploadStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	coord := svcctx.UploadsFrom(r.Context()).Get(r.PathValue("uploadId"))
	snap, err := coord.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e *UploadStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "uploads-status <upload-id>",
		Short: "Check tiling progress for an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap coordinator.Snapshot
			if err := client.Get(cmd.Context(), "/api/uploads/"+args[0]+"/status", &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
}
