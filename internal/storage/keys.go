package storage

import "path"

// Bucket layout. Batch sources are uploaded by clients through a presigned
// URL; exports are copies of interactive renderings.
const (
	uploadsPrefix = "uploads"
	exportsPrefix = "exports"
)

// SourceKey is where the client uploads the source image of a batch job.
func SourceKey(jobID string) string {
	return path.Join(uploadsPrefix, jobID, "source")
}

// ExportKey is where an exported rendering is written. fileName is reduced to
// its base so callers cannot escape the export directory.
func ExportKey(exportID, fileName string) string {
	return path.Join(exportsPrefix, exportID, path.Base("/"+fileName))
}
