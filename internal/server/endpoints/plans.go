package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/ingest"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// maxPlanUploadBytes caps a single plan PDF upload.
const maxPlanUploadBytes = 512 << 20

// PlanUploadEndpoint handles POST /api/plans/upload. The multipart "file"
// field carries the plan PDF; organizationId and projectId are form
// fields. The PDF is staged under the home uploads directory, split into
// sheets, and one tile job per sheet is queued before the response is
// written.
type PlanUploadEndpoint struct{}

func (e *PlanUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/plans/upload", e.handler
}

func (e *PlanUploadEndpoint) RequiresInit() bool { return true }

func (e *PlanUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPlanUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	orgID := r.FormValue("organizationId")
	projID := r.FormValue("projectId")
	if orgID == "" || projID == "" {
		writeError(w, http.StatusBadRequest, "organizationId and projectId are required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	uploadID := uuid.NewString()
	homeDir := svcctx.HomeFrom(r.Context())
	staged := homeDir.UploadPDFPath(uploadID)

	out, err := os.Create(staged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "staging upload: "+err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(staged)
		writeError(w, http.StatusInternalServerError, "staging upload: "+err.Error())
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		writeError(w, http.StatusInternalServerError, "staging upload: "+err.Error())
		return
	}
	defer os.Remove(staged)

	logger := svcctx.LoggerFrom(r.Context())
	logger.Info("plan upload received",
		"upload_id", uploadID,
		"filename", header.Filename,
		"size", header.Size,
	)

	deps := ingest.Deps{
		Store:    svcctx.StoreFrom(r.Context()),
		Broker:   svcctx.BrokerFrom(r.Context()),
		Registry: svcctx.UploadsFrom(r.Context()),
	}
	req := ingest.Request{
		PDFPath:        staged,
		OrganizationID: orgID,
		ProjectID:      projID,
		PlanID:         r.FormValue("planId"),
		UploadID:       uploadID,
		Logger:         logger,
	}
	if v := r.FormValue("timeoutMs"); v != "" {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
			writeError(w, http.StatusBadRequest, "timeoutMs must be an integer")
			return
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	result, err := ingest.Ingest(r.Context(), deps, req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (e *PlanUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID, planID string
	cmd := &cobra.Command{
		Use:   "plans-upload <pdf-path>",
		Short: "Upload a plan PDF for tiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := api.MultipartFile(args[0], "file", map[string]string{
				"organizationId": orgID,
				"projectId":      projID,
				"planId":         planID,
			})
			if err != nil {
				return err
			}

			client := api.NewClient(getServerURL())
			var result ingest.Result
			if err := client.PostFile(cmd.Context(), "/api/plans/upload", body, contentType, &result); err != nil {
				return err
			}
			return api.Output(result)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	cmd.Flags().StringVar(&planID, "plan", "", "Plan ID (generated when empty)")
	return cmd
}
