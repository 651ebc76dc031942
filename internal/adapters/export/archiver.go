package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// Archiver is a filesystem archive store. Every upload lands in its own
// timestamped directory:
//
//	dir/{frame name}/{20060102T150405.000000000}/
type Archiver struct {
	dir string
	now func() time.Time
}

func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir, now: time.Now}
}

// Upload copies files into a new archive directory and returns its path.
func (a *Archiver) Upload(ctx context.Context, frameName string, files []string) (string, error) {
	dest := filepath.Join(a.dir, domain.SafeName(frameName), a.now().UTC().Format("20060102T150405.000000000"))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
