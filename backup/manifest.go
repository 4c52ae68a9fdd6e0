// Package backup defines the backup manifest and the commit stores that
// publish it. The page file itself travels through a blobstore.Store;
// the manifest records what was copied and which copy is current.
package backup

import (
	"encoding/json"
	"fmt"
	"time"
)

// Manifest describes one completed backup.
type Manifest struct {
	// Name is the blob name of the copied page file.
	Name string `json:"name"`

	// Version is assigned by the commit store: a monotonically
	// increasing sequence per index.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	// PageSize and NumPages describe the copied file; Restore validates
	// both before accepting the data.
	PageSize int    `json:"page_size"`
	NumPages uint32 `json:"num_pages"`

	// Checksum is the CRC32 (IEEE) of the entire page file.
	Checksum uint32 `json:"checksum"`
}

// Encode serializes the manifest as JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeManifest parses a JSON manifest.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("backup: decode manifest: %w", err)
	}
	return m, nil
}
