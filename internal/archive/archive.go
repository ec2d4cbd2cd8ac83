// Package archive uploads the results of a finished run to object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"kmpipe/internal/pipeline"
)

// Store receives archived objects.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Uploader copies the result files of a run directory into a Store.
type Uploader struct {
	Store   Store
	Prefix  string
	Workers int
	Logger  *log.Logger
}

// Object is one file scheduled for upload.
type Object struct {
	Path string
	Key  string
	Size int64
}

// Collect lists the result files of layout: the manifest copy, the
// matrices, the thresholds, the statistics table and the logs. Missing
// entries are skipped. Keys are relative to the run directory, in slash
// form, under prefix/runID.
func (u *Uploader) Collect(layout pipeline.Layout, runID string) ([]Object, error) {
	roots := []string{
		layout.ManifestCopy(),
		layout.MatrixDir(),
		layout.Thresholds(),
		layout.StatsTable(),
		layout.Logs(),
	}
	var objs []Object
	for _, root := range roots {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == root {
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(layout.Root, p)
			if err != nil {
				return err
			}
			objs = append(objs, Object{Path: p, Key: u.key(runID, rel), Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collecting %s: %w", root, err)
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (u *Uploader) key(runID, rel string) string {
	parts := []string{}
	if p := strings.Trim(u.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, runID, filepath.ToSlash(rel))
	return path.Join(parts...)
}

// Upload collects and uploads the results of layout, at most Workers files
// at a time. The first failure cancels the remaining uploads.
func (u *Uploader) Upload(ctx context.Context, layout pipeline.Layout, runID string) (int, error) {
	if u.Store == nil {
		return 0, errors.New("archive store is required")
	}
	objs, err := u.Collect(layout, runID)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	workers := u.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, o := range objs {
		g.Go(func() error {
			return u.put(ctx, o)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if u.Logger != nil {
		u.Logger.Printf("archived %d file(s) under %s", len(objs), u.key(runID, ""))
	}
	return len(objs), nil
}

func (u *Uploader) put(ctx context.Context, o Object) error {
	f, err := os.Open(o.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := u.Store.Put(ctx, o.Key, f, o.Size); err != nil {
		return fmt.Errorf("uploading %s: %w", o.Key, err)
	}
	return nil
}
