package server

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/detect"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/ingest"
	"github.com/Woody88/sitelink-sub006/internal/server/endpoints"
	"github.com/Woody88/sitelink-sub006/internal/testutil"
)

// uploadPlan posts a generated plan PDF and returns the ingest result.
func uploadPlan(t *testing.T, ts *testServer, pages int) ingest.Result {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("organizationId", "org"); err != nil {
		t.Fatalf("writing field: %v", err)
	}
	if err := mw.WriteField("projectId", "proj"); err != nil {
		t.Fatalf("writing field: %v", err)
	}
	part, err := mw.CreateFormFile("file", "plan.pdf")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write(writePlanPDF(t, pages)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing form: %v", err)
	}

	resp, err := testutil.HTTPClient().Post(ts.url+"/api/plans/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, raw)
	}
	var result ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	return result
}

// waitForUpload polls the upload status endpoint until it reaches a
// terminal state.
func waitForUpload(t *testing.T, ts *testServer, uploadID string) coordinator.Snapshot {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.url + "/api/uploads/" + uploadID + "/status")
		if err != nil {
			t.Fatalf("status poll failed: %v", err)
		}
		var snap coordinator.Snapshot
		err = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if snap.Status == coordinator.StatusCompleted || snap.Status == coordinator.StatusTimedOut {
			return snap
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("upload did not finish in time")
	return coordinator.Snapshot{}
}

func TestUploadPipeline(t *testing.T) {
	ts := startTestServer(t, nil)

	result := uploadPlan(t, ts, 2)
	if result.SheetCount != 2 {
		t.Fatalf("SheetCount = %d, want 2", result.SheetCount)
	}

	snap := waitForUpload(t, ts, result.UploadID)
	if snap.Status != coordinator.StatusCompleted {
		t.Fatalf("upload status = %q, want %q (failed sheets: %v)",
			snap.Status, coordinator.StatusCompleted, snap.FailedSheets)
	}
	if snap.Completed != 2 || snap.Failed != 0 {
		t.Fatalf("completed/failed = %d/%d, want 2/0", snap.Completed, snap.Failed)
	}

	t.Run("sheet records exist", func(t *testing.T) {
		resp, err := http.Get(ts.url + "/api/plans/" + result.PlanID + "/sheets?organizationId=org&projectId=proj")
		if err != nil {
			t.Fatalf("sheet list failed: %v", err)
		}
		defer resp.Body.Close()

		var list endpoints.SheetListResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("decoding sheet list: %v", err)
		}
		if len(list.Sheets) != 2 {
			t.Fatalf("len(Sheets) = %d, want 2", len(list.Sheets))
		}
		for _, s := range list.Sheets {
			if s.ProcessingStatus != "completed" {
				t.Errorf("sheet %d status = %q, want completed", s.PageNumber, s.ProcessingStatus)
			}
			if s.Width != 600 || s.Height != 400 {
				t.Errorf("sheet %d dims = %dx%d, want 600x400", s.PageNumber, s.Width, s.Height)
			}
			if s.TileCount == 0 {
				t.Errorf("sheet %d has zero tiles", s.PageNumber)
			}
		}
	})

	t.Run("marker tar streams the pyramid", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.url+"/api/generate-marker-tar", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Organization-Id", "org")
		req.Header.Set("X-Project-Id", "proj")
		req.Header.Set("X-Plan-Id", result.PlanID)
		req.Header.Set("X-Valid-Sheets", "0,1")
		req.Header.Set("X-Sheet-Number", "0")
		req.Header.Set("X-Upload-Id", result.UploadID)

		resp, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("tar request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("tar status = %d, body %s", resp.StatusCode, raw)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/x-tar" {
			t.Errorf("Content-Type = %q, want application/x-tar", ct)
		}

		tr := tar.NewReader(resp.Body)
		entries := 0
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("reading tar: %v", err)
			}
			if !strings.HasSuffix(hdr.Name, ".png") {
				t.Errorf("unexpected tar entry %q", hdr.Name)
			}
			entries++
		}
		if entries == 0 {
			t.Error("tar contained no tiles")
		}
	})

	t.Run("marker tar requires scope headers", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.url+"/api/generate-marker-tar", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Project-Id", "proj")
		req.Header.Set("X-Plan-Id", result.PlanID)

		resp, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("tar request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("marker tar 404 when no tiles", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.url+"/api/generate-marker-tar", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Organization-Id", "org")
		req.Header.Set("X-Project-Id", "proj")
		req.Header.Set("X-Plan-Id", "no-such-plan")
		req.Header.Set("X-Valid-Sheets", "0")

		resp, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("tar request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "No tiles found" {
			t.Errorf("body = %q, want %q", body, "No tiles found")
		}
	})

	t.Run("corrupt pdf rejected", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("organizationId", "org")
		mw.WriteField("projectId", "proj")
		part, _ := mw.CreateFormFile("file", "junk.pdf")
		part.Write([]byte("not a pdf at all"))
		mw.Close()

		resp, err := testutil.HTTPClient().Post(ts.url+"/api/plans/upload", mw.FormDataContentType(), &body)
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
		}
	})
}

func TestDetectionFlow(t *testing.T) {
	classifier := detect.NewMockClassifier([]detect.RawDetection{
		{Label: "A5", X: 100, Y: 80, Width: 20, Height: 20, Confidence: 0.92, TargetSheetRef: "1"},
	})
	ts := startTestServer(t, classifier)

	result := uploadPlan(t, ts, 2)
	snap := waitForUpload(t, ts, result.UploadID)
	if snap.Status != coordinator.StatusCompleted {
		t.Fatalf("upload status = %q, want completed", snap.Status)
	}

	var detected endpoints.DetectResponse
	t.Run("detect appends markers", func(t *testing.T) {
		req := endpoints.DetectRequest{
			OrganizationID: "org",
			ProjectID:      "proj",
			ValidSheets:    []string{"0", "1"},
			SheetIDs:       map[string]string{"1": "sheet-one-id"},
		}
		raw, _ := json.Marshal(req)
		resp, err := testutil.HTTPClient().Post(
			ts.url+"/api/plans/"+result.PlanID+"/sheets/0/detect",
			"application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("detect failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("detect status = %d, body %s", resp.StatusCode, body)
		}
		if err := json.NewDecoder(resp.Body).Decode(&detected); err != nil {
			t.Fatalf("decoding detect response: %v", err)
		}
		if len(detected.Markers) != 1 {
			t.Fatalf("len(Markers) = %d, want 1", len(detected.Markers))
		}
		m := detected.Markers[0]
		if m.Label != "A5" {
			t.Errorf("Label = %q, want A5", m.Label)
		}
		if m.NeedsReview {
			t.Error("high-confidence marker with known target should not need review")
		}
		if m.TargetSheetID != "sheet-one-id" {
			t.Errorf("TargetSheetID = %q, want sheet-one-id", m.TargetSheetID)
		}
	})

	t.Run("markers endpoint folds the stream", func(t *testing.T) {
		resp, err := http.Get(ts.url + "/api/plans/" + result.PlanID +
			"/sheets/0/markers?organizationId=org&projectId=proj")
		if err != nil {
			t.Fatalf("markers failed: %v", err)
		}
		defer resp.Body.Close()

		var list endpoints.MarkersResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("decoding markers: %v", err)
		}
		if len(list.Markers) != 1 {
			t.Fatalf("len(Markers) = %d, want 1", len(list.Markers))
		}
	})

	t.Run("correction overrides detection", func(t *testing.T) {
		corrected := detected.Markers[0]
		corrected.Label = "A6"
		req := endpoints.CorrectMarkerRequest{
			OrganizationID: "org",
			ProjectID:      "proj",
			Marker:         corrected,
		}
		raw, _ := json.Marshal(req)
		resp, err := testutil.HTTPClient().Post(
			ts.url+"/api/plans/"+result.PlanID+"/sheets/0/markers/correct",
			"application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("correct failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("correct status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		listResp, err := http.Get(ts.url + "/api/plans/" + result.PlanID +
			"/sheets/0/markers?organizationId=org&projectId=proj")
		if err != nil {
			t.Fatalf("markers failed: %v", err)
		}
		defer listResp.Body.Close()

		var list endpoints.MarkersResponse
		if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
			t.Fatalf("decoding markers: %v", err)
		}
		if len(list.Markers) != 1 || list.Markers[0].Label != "A6" {
			t.Fatalf("markers after correction = %+v, want single A6", list.Markers)
		}
	})

	t.Run("events pull replays both events", func(t *testing.T) {
		resp, err := http.Get(ts.url + "/api/events?cursor=0")
		if err != nil {
			t.Fatalf("events failed: %v", err)
		}
		defer resp.Body.Close()

		var pulled endpoints.PullEventsResponse
		if err := json.NewDecoder(resp.Body).Decode(&pulled); err != nil {
			t.Fatalf("decoding events: %v", err)
		}
		if len(pulled.Events) != 2 {
			t.Fatalf("len(Events) = %d, want 2", len(pulled.Events))
		}
		if pulled.Events[0].Name != events.SheetCalloutsDetected {
			t.Errorf("first event = %q, want %q", pulled.Events[0].Name, events.SheetCalloutsDetected)
		}
		if pulled.Events[1].Name != events.MarkerCorrected {
			t.Errorf("second event = %q, want %q", pulled.Events[1].Name, events.MarkerCorrected)
		}
		if pulled.Cursor != pulled.Events[1].Seq {
			t.Errorf("cursor = %d, want %d", pulled.Cursor, pulled.Events[1].Seq)
		}

		// Incremental pull from the returned cursor is empty.
		resp2, err := http.Get(fmt.Sprintf("%s/api/events?cursor=%d", ts.url, pulled.Cursor))
		if err != nil {
			t.Fatalf("events failed: %v", err)
		}
		defer resp2.Body.Close()
		var rest endpoints.PullEventsResponse
		if err := json.NewDecoder(resp2.Body).Decode(&rest); err != nil {
			t.Fatalf("decoding events: %v", err)
		}
		if len(rest.Events) != 0 {
			t.Errorf("len(Events) after cursor = %d, want 0", len(rest.Events))
		}
	})
}

func TestAssetProxyRangeSemantics(t *testing.T) {
	ts := startTestServer(t, nil)

	const size = 32768
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	key := "organizations/org/projects/proj/plans/p1/pages/00000.pdf"
	if err := ts.store.Put(context.Background(), key, payload); err != nil {
		t.Fatalf("seeding object: %v", err)
	}

	get := func(t *testing.T, rangeHeader string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, ts.url+"/api/r2/"+key, nil)
		if err != nil {
			t.Fatal(err)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return resp
	}

	t.Run("full body without range", func(t *testing.T) {
		resp := get(t, "")
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if resp.Header.Get("Accept-Ranges") != "bytes" {
			t.Errorf("Accept-Ranges = %q, want bytes", resp.Header.Get("Accept-Ranges"))
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading body: %v", err)
		}
		if len(body) != size {
			t.Errorf("len(body) = %d, want %d", len(body), size)
		}
	})

	t.Run("bounded range", func(t *testing.T) {
		resp := get(t, "bytes=0-16383")
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPartialContent {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusPartialContent)
		}
		if cr := resp.Header.Get("Content-Range"); cr != fmt.Sprintf("bytes 0-16383/%d", size) {
			t.Errorf("Content-Range = %q", cr)
		}
		body, _ := io.ReadAll(resp.Body)
		if len(body) != 16384 {
			t.Errorf("len(body) = %d, want 16384", len(body))
		}
		if !bytes.Equal(body, payload[:16384]) {
			t.Error("range body does not match source bytes")
		}
	})

	t.Run("open-ended range", func(t *testing.T) {
		resp := get(t, "bytes=32000-")
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPartialContent {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusPartialContent)
		}
		if cr := resp.Header.Get("Content-Range"); cr != fmt.Sprintf("bytes 32000-32767/%d", size) {
			t.Errorf("Content-Range = %q", cr)
		}
		body, _ := io.ReadAll(resp.Body)
		if len(body) != 768 {
			t.Errorf("len(body) = %d, want 768", len(body))
		}
		if !bytes.Equal(body, payload[32000:]) {
			t.Error("range body does not match source bytes")
		}
	})

	t.Run("unsatisfiable range", func(t *testing.T) {
		resp := get(t, "bytes=99999999-")
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusRequestedRangeNotSatisfiable)
		}
	})

	t.Run("unknown key 404", func(t *testing.T) {
		resp := get(t, "")
		resp.Body.Close()

		req, err := http.NewRequest(http.MethodGet, ts.url+"/api/r2/organizations/org/no/such/key.png", nil)
		if err != nil {
			t.Fatal(err)
		}
		missing, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer missing.Body.Close()
		if missing.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", missing.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("cache policy by key type", func(t *testing.T) {
		tileKey := "organizations/org/projects/proj/plans/p1/sheets/0/0/0_0.png"
		if err := ts.store.Put(context.Background(), tileKey, []byte("png-bytes")); err != nil {
			t.Fatalf("seeding tile: %v", err)
		}

		req, _ := http.NewRequest(http.MethodGet, ts.url+"/api/r2/"+tileKey, nil)
		resp, err := testutil.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "immutable") {
			t.Errorf("tile Cache-Control = %q, want immutable policy", cc)
		}

		pageResp := get(t, "")
		pageResp.Body.Close()
		if cc := pageResp.Header.Get("Cache-Control"); strings.Contains(cc, "immutable") {
			t.Errorf("page Cache-Control = %q, want short-lived policy", cc)
		}
	})
}
