package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FS stores blobs on the local filesystem, sharded by CID prefix to
// keep directories small. Writes go through a temp file plus rename so
// a crash never leaves a half-written object under its final name.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrap(err, "blob: create root")
	}
	return &FS{root: root}, nil
}

func (f *FS) path(cid string) string {
	return filepath.Join(f.root, cid[:2], cid)
}

func (f *FS) Put(ctx context.Context, cid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.path(cid))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "blob: create shard dir")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "blob: create temp")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "blob: write temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "blob: close temp")
	}
	return errors.Wrap(os.Rename(tmp.Name(), f.path(cid)), "blob: publish")
}

func (f *FS) Get(ctx context.Context, cid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(cid))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "blob: read")
	}
	if err := verify(cid, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FS) Delete(ctx context.Context, cid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(cid))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "blob: delete")
}
