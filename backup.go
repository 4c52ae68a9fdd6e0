package vecpage

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/vecpage/backup"
	"github.com/hupe1980/vecpage/blobstore"
	"github.com/hupe1980/vecpage/internal/resource"
)

// Backup streams the page file into the blob store and publishes a
// manifest through the commit store. The copy is a point-in-time
// snapshot: quiesce writers first, the same as Verify. The undo log is
// not copied — a synced page file needs no recovery.
func (i *Index) Backup(ctx context.Context, store blobstore.Store, cs backup.CommitStore) (backup.Manifest, error) {
	if err := i.st.Sync(); err != nil {
		return backup.Manifest{}, err
	}

	path := filepath.Join(i.dir, pageFileName)
	f, err := os.Open(path)
	if err != nil {
		return backup.Manifest{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return backup.Manifest{}, err
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("pages/%s.dat", now.Format("20060102T150405.000000000"))

	h := crc32.NewIEEE()
	r := &throttledReader{ctx: ctx, r: io.TeeReader(f, h), res: i.res}
	if err := store.Put(ctx, name, r); err != nil {
		return backup.Manifest{}, fmt.Errorf("vecpage: backup upload: %w", err)
	}

	m := backup.Manifest{
		Name:      name,
		CreatedAt: now,
		PageSize:  i.st.PageSize(),
		NumPages:  uint32(fi.Size() / int64(i.st.PageSize())),
		Checksum:  h.Sum32(),
	}
	published, err := cs.Publish(ctx, m)
	if err != nil {
		return backup.Manifest{}, fmt.Errorf("vecpage: publish manifest: %w", err)
	}

	i.logger.Info("backup published",
		"name", published.Name, "version", published.Version, "pages", published.NumPages)
	return published, nil
}

// Restore fetches the latest published backup into dir, validating size
// and checksum before the page file is put in place. dir must not be an
// open index. Open the restored index afterwards; a stale undo log in
// dir is removed since the backup is a complete committed image.
func Restore(ctx context.Context, dir string, store blobstore.Store, cs backup.CommitStore, opts ...Option) (backup.Manifest, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m, err := cs.Latest(ctx)
	if err != nil {
		return backup.Manifest{}, err
	}

	rc, size, err := store.Open(ctx, m.Name)
	if err != nil {
		return backup.Manifest{}, fmt.Errorf("vecpage: fetch backup %q: %w", m.Name, err)
	}
	defer rc.Close()

	want := int64(m.NumPages) * int64(m.PageSize)
	if size != want {
		return backup.Manifest{}, fmt.Errorf("vecpage: backup %q has %d bytes, manifest says %d", m.Name, size, want)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backup.Manifest{}, err
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return backup.Manifest{}, err
	}
	defer os.Remove(tmp.Name())

	res := resource.NewController(resource.Config{IOLimitBytesPerSec: o.ioLimit})
	h := crc32.NewIEEE()
	r := &throttledReader{ctx: ctx, r: io.TeeReader(rc, h), res: res}

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return backup.Manifest{}, err
	}
	if n != want {
		tmp.Close()
		return backup.Manifest{}, fmt.Errorf("vecpage: backup %q truncated at %d of %d bytes", m.Name, n, want)
	}
	if h.Sum32() != m.Checksum {
		tmp.Close()
		return backup.Manifest{}, fmt.Errorf("vecpage: backup %q checksum mismatch", m.Name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return backup.Manifest{}, err
	}
	if err := tmp.Close(); err != nil {
		return backup.Manifest{}, err
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, pageFileName)); err != nil {
		return backup.Manifest{}, err
	}
	if err := os.Remove(filepath.Join(dir, undoFileName)); err != nil && !os.IsNotExist(err) {
		return backup.Manifest{}, err
	}
	return m, nil
}

// throttledReader applies the IO rate limit to a stream in chunks.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	res *resource.Controller
}

func (t *throttledReader) Read(p []byte) (int, error) {
	const chunk = 256 << 10
	if len(p) > chunk {
		p = p[:chunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.res.AcquireIO(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
