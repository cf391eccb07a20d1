package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// MarkerTarEndpoint handles POST /api/generate-marker-tar. It streams a
// tar archive of one sheet's tile pyramid, addressed by the scope headers
// below. The archive is produced inside the upload's coordinator so
// concurrent requests for the same upload are serialized.
//
// Required headers: X-Organization-Id, X-Project-Id, X-Plan-Id,
// X-Valid-Sheets. Optional: X-Sheet-Number (defaults to 0) and
// X-Upload-Id (defaults to the plan id).
type MarkerTarEndpoint struct{}

func (e *MarkerTarEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/generate-marker-tar", e.handler
}

func (e *MarkerTarEndpoint) RequiresInit() bool { return true }

func (e *MarkerTarEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var missing []string
	for _, h := range []string{"X-Organization-Id", "X-Project-Id", "X-Plan-Id", "X-Valid-Sheets"} {
		if r.Header.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required headers: "+strings.Join(missing, ", "))
		return
	}

	sheet := 0
	if v := r.Header.Get("X-Sheet-Number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "X-Sheet-Number must be a non-negative integer")
			return
		}
		sheet = n
	}

	req := coordinator.ArchiveRequest{
		OrganizationID: r.Header.Get("X-Organization-Id"),
		ProjectID:      r.Header.Get("X-Project-Id"),
		PlanID:         r.Header.Get("X-Plan-Id"),
		SheetNumber:    sheet,
	}
	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		uploadID = req.PlanID
	}
	coord := svcctx.UploadsFrom(r.Context()).Get(uploadID)

	// The tar is streamed directly, so status and headers must be settled
	// before the first byte. The coordinator checks for tiles before
	// writing anything, which keeps the 404 path clean.
	w.Header().Set("Content-Type", "application/x-tar")
	body := &streamTracker{w: w}
	err := coord.GenerateArchive(r.Context(), req, body)
	switch {
	case errors.Is(err, coordinator.ErrNoTiles):
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "No tiles found")
	case err != nil:
		logger := svcctx.LoggerFrom(r.Context())
		logger.Error("archive generation failed",
			"plan_id", req.PlanID,
			"sheet", sheet,
			"error", err,
		)
		if !body.wrote {
			// Nothing on the wire yet, so a real status can still go out
			// instead of an implicit empty 200.
			w.Header().Del("Content-Type")
			writeError(w, http.StatusInternalServerError, "archive generation failed")
			return
		}
		// Headers are already on the wire; nothing more to do beyond
		// aborting the stream.
	}
}

// streamTracker records whether any archive bytes reached the response, so
// listing-stage failures can still be answered with a status code.
type streamTracker struct {
	w     http.ResponseWriter
	wrote bool
}

func (s *streamTracker) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.wrote = true
	}
	return s.w.Write(p)
}

func (s *streamTracker) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (e *MarkerTarEndpoint) Command(getServerURL func() string) *cobra.Command {
	var orgID, projID, planID, validSheets, uploadID, out string
	var sheet int
	cmd := &cobra.Command{
		Use:   "generate-marker-tar",
		Short: "Download a sheet's tile pyramid as a tar archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			headers := map[string]string{
				"X-Organization-Id": orgID,
				"X-Project-Id":      projID,
				"X-Plan-Id":         planID,
				"X-Valid-Sheets":    validSheets,
				"X-Sheet-Number":    strconv.Itoa(sheet),
			}
			if uploadID != "" {
				headers["X-Upload-Id"] = uploadID
			}
			body, err := client.PostStream(cmd.Context(), "/api/generate-marker-tar", headers)
			if err != nil {
				return err
			}
			defer body.Close()

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			defer f.Close()
			if _, err := f.ReadFrom(body); err != nil {
				return fmt.Errorf("writing archive: %w", err)
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&projID, "project", "", "Project ID")
	cmd.Flags().StringVar(&planID, "plan", "", "Plan ID")
	cmd.Flags().StringVar(&validSheets, "valid-sheets", "", "Comma-separated sheet tokens known to the plan")
	cmd.Flags().StringVar(&uploadID, "upload", "", "Upload ID (defaults to the plan ID)")
	cmd.Flags().IntVar(&sheet, "sheet", 0, "Sheet number")
	cmd.Flags().StringVar(&out, "out", "sheet.tar", "Output file")
	return cmd
}
