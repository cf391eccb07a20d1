package events

import "encoding/json"

// FoldMarkers materializes the current marker set per sheet from an event
// stream. It is a pure function of its input: no wall-clock reads, no
// external state, so replaying the same stream always yields the same view.
//
// Fold rules:
//   - SheetCalloutsDetected replaces the sheet's marker set wholesale
//     (a rerun supersedes earlier detections).
//   - MarkerCorrected overwrites the matching marker by ID, or appends it
//     if the ID is unknown (correction arriving ahead of its detection
//     replay is kept rather than lost).
//
// Events with unknown names or malformed payloads are skipped; a fold must
// tolerate forward-compatible streams.
func FoldMarkers(stream []Event) map[string][]MarkerRecord {
	view := make(map[string][]MarkerRecord)

	for _, ev := range stream {
		switch ev.Name {
		case SheetCalloutsDetected:
			var p SheetCalloutsDetectedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			markers := make([]MarkerRecord, len(p.Markers))
			copy(markers, p.Markers)
			view[p.SheetID] = markers

		case MarkerCorrected:
			var p MarkerCorrectedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			markers := view[p.SheetID]
			replaced := false
			for i := range markers {
				if markers[i].ID == p.Marker.ID {
					markers[i] = p.Marker
					replaced = true
					break
				}
			}
			if !replaced {
				markers = append(markers, p.Marker)
			}
			view[p.SheetID] = markers
		}
	}

	return view
}
