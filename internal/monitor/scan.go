package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/sentra/fim/internal/baseline"
)

// DivergenceKind classifies how a path's live state disagrees with its
// baseline record.
type DivergenceKind string

const (
	// DivergenceAdded is a file present on disk with no baseline record.
	DivergenceAdded DivergenceKind = "added"
	// DivergenceChanged is a file whose content hash differs from its
	// baseline record.
	DivergenceChanged DivergenceKind = "changed"
	// DivergenceMissing is a baseline record whose file is gone from disk.
	DivergenceMissing DivergenceKind = "missing"
)

// Divergence is one disagreement between the filesystem and the baseline.
type Divergence struct {
	Kind    DivergenceKind `json:"kind"`
	Path    string         `json:"path"`
	OldHash string         `json:"old_hash,omitempty"`
	NewHash string         `json:"new_hash,omitempty"`
	Size    int64          `json:"size,omitempty"`
	Mtime   int64          `json:"mtime,omitempty"`
}

// ScanSummary aggregates a completed scan.
type ScanSummary struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Changed int `json:"changed"`
	Missing int `json:"missing"`
	Skipped int `json:"skipped"`
}

// Clean reports whether the scan found no divergence.
func (s ScanSummary) Clean() bool {
	return s.Added == 0 && s.Changed == 0 && s.Missing == 0
}

// Scan walks the watched roots and compares every non-excluded file
// against the baseline, reporting each divergence through report. The scan
// never mutates the baseline: two consecutive scans over an unchanged tree
// report identical results. Comparison is by content hash; size and mtime
// metadata alone never flag a file. Unreadable files are counted as
// skipped and logged.
func (m *Monitor) Scan(ctx context.Context, report func(Divergence) error) (ScanSummary, error) {
	var sum ScanSummary
	seen := make(map[string]struct{})

	for _, root := range m.roots {
		err := walkFiles(root, m.excl, func(path string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seen[path] = struct{}{}

			digest, size, mtime, err := m.hash(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// Deleted mid-walk; the missing pass below covers it.
					delete(seen, path)
					return nil
				}
				sum.Skipped++
				m.logger.Warn("scan: skipping unreadable file",
					slog.String("path", path),
					slog.Any("error", err))
				return nil
			}
			sum.Scanned++

			rec, tracked, err := m.store.Get(ctx, path)
			if err != nil {
				return err
			}
			switch {
			case !tracked:
				sum.Added++
				return report(Divergence{
					Kind:    DivergenceAdded,
					Path:    path,
					NewHash: digest,
					Size:    size,
					Mtime:   mtime,
				})
			case rec.Hash != digest:
				sum.Changed++
				return report(Divergence{
					Kind:    DivergenceChanged,
					Path:    path,
					OldHash: rec.Hash,
					NewHash: digest,
					Size:    size,
					Mtime:   mtime,
				})
			default:
				return nil
			}
		})
		if err != nil {
			return sum, err
		}
	}

	err := m.store.Scan(ctx, func(rec baseline.FileRecord) error {
		if _, ok := seen[rec.Path]; ok {
			return nil
		}
		sum.Missing++
		return report(Divergence{
			Kind:    DivergenceMissing,
			Path:    rec.Path,
			OldHash: rec.Hash,
		})
	})
	return sum, err
}
