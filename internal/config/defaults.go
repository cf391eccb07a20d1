package config

// DefaultEntries returns the runtime settings seeded on first run.
func DefaultEntries() []Entry {
	return []Entry{
		// Viewer
		{
			Key:         "viewer.overlay_opacity",
			Value:       0.025,
			Description: "Opacity of the marker overlay drawn above sheet tiles",
		},
		{
			Key:         "viewer.marker_color",
			Value:       "#1d4ed8",
			Description: "Fill color for detected callout markers",
		},

		// Detection
		{
			Key:         "detection.review_confidence",
			Value:       0.5,
			Description: "Detections below this confidence are flagged for review",
		},
		{
			Key:         "detection.enabled",
			Value:       true,
			Description: "Whether callout detection runs after tiling",
		},

		// Uploads
		{
			Key:         "uploads.notify_on_complete",
			Value:       false,
			Description: "Emit a log line at info level when an upload finishes tiling",
		},
	}
}
