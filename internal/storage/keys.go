package storage

import (
	"fmt"
	"strings"
)

// Object key scheme. The tile layout is read by the detector, the viewer,
// and tests, so the format here is a protocol surface, not an internal
// detail.
//
//	organizations/{org}/projects/{proj}/plans/{plan}/sheets/{sheet}/{level}/{x}_{y}.{ext}

// PlanPrefix returns the key prefix for all objects belonging to a plan.
func PlanPrefix(org, proj, plan string) string {
	return fmt.Sprintf("organizations/%s/projects/%s/plans/%s", org, proj, plan)
}

// SheetPrefix returns the key prefix for one sheet's tile pyramid.
func SheetPrefix(org, proj, plan string, sheet int) string {
	return fmt.Sprintf("%s/sheets/%d", PlanPrefix(org, proj, plan), sheet)
}

// TileKey returns the object key for a single pyramid tile.
func TileKey(org, proj, plan string, sheet, level, x, y int, ext string) string {
	return fmt.Sprintf("%s/%d/%d_%d.%s", SheetPrefix(org, proj, plan, sheet), level, x, y, ext)
}

// PageKey returns the object key for a split single-page source PDF.
func PageKey(org, proj, plan string, page int) string {
	return fmt.Sprintf("%s/pages/%05d.pdf", PlanPrefix(org, proj, plan), page)
}

// SheetRecordKey returns the object key for a sheet's persisted metadata.
func SheetRecordKey(org, proj, plan string, sheet int) string {
	return fmt.Sprintf("%s/sheet.json", SheetPrefix(org, proj, plan, sheet))
}

// IsTileKey reports whether key addresses a pyramid tile. Used by the asset
// proxy to pick cache lifetimes: tiles are immutable once written.
func IsTileKey(key string) bool {
	if !strings.Contains(key, "/sheets/") {
		return false
	}
	base := key[strings.LastIndex(key, "/")+1:]
	var x, y int
	var ext string
	n, err := fmt.Sscanf(base, "%d_%d.%s", &x, &y, &ext)
	return err == nil && n == 3
}
