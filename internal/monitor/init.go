package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/sentra/fim/internal/baseline"
	"github.com/sentra/fim/internal/exclude"
)

// walkFiles calls fn for every regular, non-excluded file under root.
// Excluded directories are pruned from the walk entirely.
func walkFiles(root string, excl *exclude.Matcher, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excl.Match(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
}

// Init replaces the entire baseline with a fresh walk of the watched
// roots, hashing every non-excluded regular file across a worker pool.
// Files that vanish or cannot be read mid-walk are skipped with a warning
// rather than failing the whole build. It returns the number of files
// recorded.
func (m *Monitor) Init(ctx context.Context) (int64, error) {
	err := m.store.Rebuild(ctx, func(insert func(baseline.FileRecord) error) error {
		g, gctx := errgroup.WithContext(ctx)

		paths := make(chan string, 64)
		recs := make(chan baseline.FileRecord, 64)

		g.Go(func() error {
			defer close(paths)
			for _, root := range m.roots {
				err := walkFiles(root, m.excl, func(path string) error {
					select {
					case paths <- path:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

		g.Go(func() error {
			defer close(recs)
			workers, wctx := errgroup.WithContext(gctx)
			for i := 0; i < m.cfg.HashWorkers; i++ {
				workers.Go(func() error {
					for path := range paths {
						digest, size, mtime, err := m.hash(path)
						if err != nil {
							if errors.Is(err, fs.ErrNotExist) {
								continue
							}
							m.logger.Warn("init: skipping unreadable file",
								slog.String("path", path),
								slog.Any("error", err))
							continue
						}
						select {
						case recs <- baseline.FileRecord{Path: path, Hash: digest, Size: size, Mtime: mtime}:
						case <-wctx.Done():
							return wctx.Err()
						}
					}
					return nil
				})
			}
			return workers.Wait()
		})

		// Inserts run on this goroutine: the store transaction is bound to
		// the caller of Rebuild's fill function.
		for rec := range recs {
			if err := insert(rec); err != nil {
				return err
			}
		}
		return g.Wait()
	})
	if err != nil {
		return 0, err
	}

	n := m.store.Count()
	m.metrics.TrackedFiles.Store(n)
	m.logger.Info("baseline initialised", slog.Int64("files", n))
	return n, nil
}
