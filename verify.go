package vecpage

import (
	"context"
	"path/filepath"

	"github.com/hupe1980/vecpage/internal/hnsw"
	"github.com/hupe1980/vecpage/internal/mmap"
)

// Verify checks the on-disk structural invariants: page accounting,
// tuple pairing, layer occupancy, and edge targets. It maps the page
// file read-only, so the index must be quiesced — run it between
// batches, not alongside writers.
func (i *Index) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.st.Sync(); err != nil {
		return err
	}

	m, err := mmap.Open(filepath.Join(i.dir, pageFileName))
	if err != nil {
		return err
	}
	defer m.Close()

	return hnsw.VerifyFile(m.Data, i.st.PageSize())
}
