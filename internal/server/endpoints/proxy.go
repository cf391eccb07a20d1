package endpoints

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/storage"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// AssetProxyEndpoint handles GET /api/r2/{key...}, serving objects straight
// from the store with full Range support. Tiles are immutable once written
// (the key scheme never reuses a tile key for different content), so they
// get a long-lived immutable cache policy; everything else gets a short one.
type AssetProxyEndpoint struct{}

func (e *AssetProxyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/r2/{key...}", e.handler
}

func (e *AssetProxyEndpoint) RequiresInit() bool { return true }

func (e *AssetProxyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "object key is required")
		return
	}

	rc, _, err := svcctx.StoreFrom(r.Context()).Reader(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	if storage.IsTileKey(key) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=60")
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// ServeContent handles Range parsing, 206/416 statuses, Content-Range,
	// and Accept-Ranges. A zero modtime suppresses If-Modified-Since
	// handling, which is what we want for content-addressed-ish keys.
	http.ServeContent(w, r, path.Base(key), time.Time{}, rc)
}

func (e *AssetProxyEndpoint) Command(getServerURL func() string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "asset-get <key>",
		Short: "Download an object through the asset proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, getServerURL()+"/api/r2/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server error (%d)", resp.StatusCode)
			}

			dest := out
			if dest == "" {
				dest = path.Base(args[0])
			}
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.ReadFrom(resp.Body); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file (defaults to the key's base name)")
	return cmd
}
