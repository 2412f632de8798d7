// Package archive snapshots a save directory into timestamped zip files and
// prunes old snapshots.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	DefaultPrefix = "palworld-save-"
	stampLayout   = "20060102-150405"
	ext           = ".zip"
)

var ErrSourceMissing = errors.New("archive: source directory not found")

// ZipArchiver writes Deflate-compressed zips named <prefix>YYYYMMDD-HHMMSS.zip.
type ZipArchiver struct {
	Prefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (z ZipArchiver) prefix() string {
	if z.Prefix == "" {
		return DefaultPrefix
	}
	return z.Prefix
}

func (z ZipArchiver) now() time.Time {
	if z.Now != nil {
		return z.Now()
	}
	return time.Now()
}

// FileName returns the archive name for a snapshot taken at t.
func (z ZipArchiver) FileName(t time.Time) string {
	return z.prefix() + t.Format(stampLayout) + ext
}

// Archive zips src into dst and returns the archive path. Directory entries
// are kept and entry names always use forward slashes. The archive appears
// under its final name only once complete.
func (z ZipArchiver) Archive(ctx context.Context, src, dst string) (string, error) {
	st, err := os.Stat(src)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	final := filepath.Join(dst, z.FileName(z.now()))
	tmp, err := os.CreateTemp(dst, ".partial-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := addTree(ctx, zw, src); err != nil {
		_ = zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	ok = true
	return final, nil
}

func addTree(ctx context.Context, zw *zip.Writer, src string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
			hdr.Method = zip.Store
			_, err = zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		return nil
	})
}

// Prune removes archives in dir that match prefix and are older than
// retention. Age comes from the name stamp, else the file's mod time.
// It returns the removed paths.
func Prune(dir, prefix string, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := now.Add(-retention)

	var removed []string
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		created, ok := stampOf(name, prefix, now.Location())
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			created = info.ModTime()
		}
		if !created.Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, name)
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}

func stampOf(name, prefix string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
	t, err := time.ParseInLocation(stampLayout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
