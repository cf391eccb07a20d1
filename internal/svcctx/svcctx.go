// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/Woody88/sitelink-sub006/internal/config"
	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/detect"
	"github.com/Woody88/sitelink-sub006/internal/downloads"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/home"
	"github.com/Woody88/sitelink-sub006/internal/queue"
	"github.com/Woody88/sitelink-sub006/internal/storage"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store        storage.Store
	Broker       *queue.Broker
	Uploads      *coordinator.Registry
	Detector     *detect.Detector
	Events       *events.Log
	ConfigMgr    *config.Manager
	SettingStore config.Store
	Downloads    *downloads.Manager
	Logger       *slog.Logger
	Home         *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the object store from context.
func StoreFrom(ctx context.Context) storage.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// BrokerFrom extracts the tile job broker from context.
func BrokerFrom(ctx context.Context) *queue.Broker {
	if s := ServicesFrom(ctx); s != nil {
		return s.Broker
	}
	return nil
}

// UploadsFrom extracts the upload coordinator registry from context.
func UploadsFrom(ctx context.Context) *coordinator.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Uploads
	}
	return nil
}

// DetectorFrom extracts the callout detector from context.
func DetectorFrom(ctx context.Context) *detect.Detector {
	if s := ServicesFrom(ctx); s != nil {
		return s.Detector
	}
	return nil
}

// EventsFrom extracts the marker event log from context.
func EventsFrom(ctx context.Context) *events.Log {
	if s := ServicesFrom(ctx); s != nil {
		return s.Events
	}
	return nil
}

// ConfigMgrFrom extracts the config manager from context.
func ConfigMgrFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// SettingStoreFrom extracts the runtime settings store from context.
func SettingStoreFrom(ctx context.Context) config.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.SettingStore
	}
	return nil
}

// DownloadsFrom extracts the sheet download manager from context.
func DownloadsFrom(ctx context.Context) *downloads.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Downloads
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
