package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/config"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
)

// SettingsListEndpoint handles GET /api/settings, optionally filtered by
// ?prefix=.
type SettingsListEndpoint struct{}

func (e *SettingsListEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/settings", e.handler
}

func (e *SettingsListEndpoint) RequiresInit() bool { return true }

func (e *SettingsListEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.SettingStoreFrom(r.Context())
	entries, err := store.GetByPrefix(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (e *SettingsListEndpoint) Command(getServerURL func() string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "settings-list",
		Short: "List runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var entries map[string]config.Entry
			path := "/api/settings"
			if prefix != "" {
				path += "?prefix=" + prefix
			}
			if err := client.Get(cmd.Context(), path, &entries); err != nil {
				return err
			}
			return api.Output(entries)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix filter")
	return cmd
}

// SettingGetEndpoint handles GET /api/settings/{key}.
type SettingGetEndpoint struct{}

func (e *SettingGetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/settings/{key}", e.handler
}

func (e *SettingGetEndpoint) RequiresInit() bool { return true }

func (e *SettingGetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	entry, err := svcctx.SettingStoreFrom(r.Context()).Get(r.Context(), key)
	if errors.Is(err, config.ErrInvalidKey) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "setting not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *SettingGetEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "settings-get <key>",
		Short: "Show one runtime setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var entry config.Entry
			if err := client.Get(cmd.Context(), "/api/settings/"+args[0], &entry); err != nil {
				return err
			}
			return api.Output(entry)
		},
	}
}

// SetSettingRequest is the body for setting writes.
type SetSettingRequest struct {
	Value       any    `json:"value"`
	Description string `json:"description,omitempty"`
}

// SettingSetEndpoint handles POST /api/settings/{key}.
type SettingSetEndpoint struct{}

func (e *SettingSetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/settings/{key}", e.handler
}

func (e *SettingSetEndpoint) RequiresInit() bool { return true }

func (e *SettingSetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req SetSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	store := svcctx.SettingStoreFrom(r.Context())
	if err := store.Set(r.Context(), key, req.Value, req.Description); err != nil {
		if errors.Is(err, config.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := store.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *SettingSetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "settings-set <key> <value-json>",
		Short: "Create or update a runtime setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				// Bare strings are accepted without quoting.
				value = args[1]
			}
			client := api.NewClient(getServerURL())
			var entry config.Entry
			req := SetSettingRequest{Value: value, Description: description}
			if err := client.Post(cmd.Context(), "/api/settings/"+args[0], req, &entry); err != nil {
				return err
			}
			return api.Output(entry)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	return cmd
}

// SettingDeleteEndpoint handles DELETE /api/settings/{key}.
type SettingDeleteEndpoint struct{}

func (e *SettingDeleteEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/settings/{key}", e.handler
}

func (e *SettingDeleteEndpoint) RequiresInit() bool { return true }

func (e *SettingDeleteEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := svcctx.SettingStoreFrom(r.Context()).Delete(r.Context(), key); err != nil {
		if errors.Is(err, config.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *SettingDeleteEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "settings-delete <key>",
		Short: "Delete a runtime setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/settings/"+args[0])
		},
	}
}
