// Package endpoints defines the HTTP API surface. Each endpoint is both a
// route handler and a CLI command, registered through api.Registry.
package endpoints

import (
	"github.com/Woody88/sitelink-sub006/internal/api"
)

// All returns every endpoint, in route-registration order.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Probes (usable before full initialization).
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Plan intake and tiling progress.
		&PlanUploadEndpoint{},
		&InitializeUploadEndpoint{},
		&SheetCompleteEndpoint{},
		&SheetFailEndpoint{},
		&UploadStatusEndpoint{},

		// Sheet records and tile pyramid delivery.
		&SheetListEndpoint{},
		&SheetEndpoint{},
		&MarkerTarEndpoint{},
		&AssetProxyEndpoint{},

		// Callout detection and the marker event stream.
		&DetectEndpoint{},
		&SheetMarkersEndpoint{},
		&CorrectMarkerEndpoint{},
		&PullEventsEndpoint{},
		&PushEventsEndpoint{},

		// Runtime settings.
		&SettingsListEndpoint{},
		&SettingGetEndpoint{},
		&SettingSetEndpoint{},
		&SettingDeleteEndpoint{},
	}
}

// NewRegistry builds an api.Registry with every endpoint registered.
func NewRegistry() *api.Registry {
	reg := api.NewRegistry()
	for _, ep := range All() {
		reg.Register(ep)
	}
	return reg
}
