package blobstore

import "strings"

// Key derives the blob key for a repository's result document.
// "psf/requests" maps to "psf_requests_data".
func Key(repo string) string {
	return strings.ReplaceAll(repo, "/", "_") + "_data"
}
