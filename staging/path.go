// Package staging implements the on-disk study/series layout, the
// per-series instances.xml index, and the single-mutex store_dicom_file
// entry point from spec §4.4.
package staging

import "strings"

const maxPathComponentLength = 255

// SanitizeUID implements invariant I5: any path component derived from a UID
// has '.', '/', '\' replaced and every ".." sequence neutralized, then is
// truncated to 255 bytes. The result never escapes the directory it is
// joined under, whatever the caller passes in.
func SanitizeUID(uid string) string {
	replacer := strings.NewReplacer(
		".", "_",
		"/", "_",
		"\\", "_",
	)
	sanitized := replacer.Replace(uid)
	for strings.Contains(sanitized, "..") {
		sanitized = strings.ReplaceAll(sanitized, "..", "_")
	}
	if sanitized == "" {
		sanitized = "_"
	}
	if len(sanitized) > maxPathComponentLength {
		sanitized = sanitized[:maxPathComponentLength]
	}
	return sanitized
}
