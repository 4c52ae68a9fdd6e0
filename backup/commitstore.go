package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/vecpage/blobstore"
)

var (
	// ErrNoBackups is returned by Latest when nothing has been published.
	ErrNoBackups = errors.New("backup: no backups published")

	// ErrConcurrentCommit is returned when another writer published the
	// same version first.
	ErrConcurrentCommit = errors.New("backup: concurrent commit detected")
)

// CommitStore publishes manifests and resolves the current one. Publish
// assigns the next version; implementations with compare-and-swap
// semantics reject racing writers with ErrConcurrentCommit.
type CommitStore interface {
	Publish(ctx context.Context, m Manifest) (Manifest, error)
	Latest(ctx context.Context) (Manifest, error)
}

const manifestPrefix = "manifests/"

// BlobCommitStore keeps manifests as JSON blobs in a blobstore.Store,
// named by zero-padded version so lexical order is version order. It has
// no compare-and-swap: with concurrent writers the last Publish wins.
// Use the DynamoDB store when writers can race.
type BlobCommitStore struct {
	store blobstore.Store
}

// NewBlobCommitStore creates a commit store on top of a blob store.
func NewBlobCommitStore(store blobstore.Store) *BlobCommitStore {
	return &BlobCommitStore{store: store}
}

func manifestBlobName(version uint64) string {
	return fmt.Sprintf("%s%020d.json", manifestPrefix, version)
}

func (s *BlobCommitStore) latestVersion(ctx context.Context) (uint64, error) {
	names, err := s.store.List(ctx, manifestPrefix)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	sort.Strings(names)
	last := strings.TrimSuffix(strings.TrimPrefix(names[len(names)-1], manifestPrefix), ".json")
	return strconv.ParseUint(last, 10, 64)
}

func (s *BlobCommitStore) Publish(ctx context.Context, m Manifest) (Manifest, error) {
	latest, err := s.latestVersion(ctx)
	if err != nil {
		return Manifest{}, err
	}
	m.Version = latest + 1

	data, err := m.Encode()
	if err != nil {
		return Manifest{}, err
	}
	if err := s.store.Put(ctx, manifestBlobName(m.Version), bytes.NewReader(data)); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *BlobCommitStore) Latest(ctx context.Context) (Manifest, error) {
	version, err := s.latestVersion(ctx)
	if err != nil {
		return Manifest{}, err
	}
	if version == 0 {
		return Manifest{}, ErrNoBackups
	}

	rc, _, err := s.store.Open(ctx, manifestBlobName(version))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Manifest{}, err
	}
	return DecodeManifest(data)
}
