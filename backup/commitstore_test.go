package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecpage/blobstore"
)

func TestManifestRoundTrip(t *testing.T) {
	in := Manifest{
		Name:      "data/0001.pages",
		Version:   7,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		PageSize:  8192,
		NumPages:  42,
		Checksum:  0xDEADBEEF,
	}
	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeManifest([]byte("{"))
	require.Error(t, err)
}

func TestBlobCommitStore(t *testing.T) {
	s := NewBlobCommitStore(blobstore.NewMemoryStore())
	ctx := context.Background()

	_, err := s.Latest(ctx)
	require.ErrorIs(t, err, ErrNoBackups)

	m1, err := s.Publish(ctx, Manifest{Name: "first", PageSize: 512, NumPages: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m1.Version)

	m2, err := s.Publish(ctx, Manifest{Name: "second", PageSize: 512, NumPages: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m2.Version)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", latest.Name)
	assert.Equal(t, uint64(2), latest.Version)
}
