// Package packager bundles job artifacts into a single archive.
package packager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

var ErrNothingToPack = errors.New("no artifacts to pack")

type Packager interface {
	Pack(archive string, files []string) ([]string, error)
}

type ZipPackager struct{}

// Pack writes the existing files into archive under their base names. Missing
// files are skipped; the packed files are returned.
func (ZipPackager) Pack(archive string, files []string) ([]string, error) {
	var present []string
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && !info.IsDir() {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil, ErrNothingToPack
	}

	out, err := os.Create(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive %s: %w", archive, err)
	}
	zw := zip.NewWriter(out)
	for _, f := range present {
		if err := addFile(zw, f); err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(archive)
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to finish archive %s: %w", archive, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive %s: %w", archive, err)
	}

	return present, nil
}

func addFile(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", path, err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", path, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
