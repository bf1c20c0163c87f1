// Package storage owns the per-job output directory.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IliaW/capture-worker/internal/model"
)

// Layout names every artifact of a job: <dir>/<host>.png, <host>_output.mp4,
// <host>_redirects.txt, <host>_final.html and <host>.zip.
type Layout struct {
	Dir  string
	Host string
}

func NewLayout(dataDir, host string) Layout {
	return Layout{Dir: filepath.Join(dataDir, host), Host: host}
}

func (l Layout) Screenshot() string { return l.path(".png") }
func (l Layout) Video() string      { return l.path("_output.mp4") }
func (l Layout) Redirects() string  { return l.path("_redirects.txt") }
func (l Layout) HTML() string       { return l.path("_final.html") }
func (l Layout) Archive() string    { return l.path(".zip") }

func (l Layout) path(suffix string) string {
	return filepath.Join(l.Dir, l.Host+suffix)
}

// Bundle lists the files that go into the archive, in archive order.
func (l Layout) Bundle() []string {
	return []string{l.Screenshot(), l.Video(), l.Redirects(), l.HTML()}
}

// Existing returns the bundle files present on disk.
func (l Layout) Existing() []string {
	var files []string
	for _, f := range l.Bundle() {
		if info, err := os.Stat(f); err == nil && !info.IsDir() {
			files = append(files, f)
		}
	}
	return files
}

func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory %s: %w", l.Dir, err)
	}
	return nil
}

// WriteRedirects writes one "<status> <url>" line per hop.
func (l Layout) WriteRedirects(record model.RedirectRecord) error {
	f, err := os.Create(l.Redirects())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", l.Redirects(), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, hop := range record {
		if _, err := fmt.Fprintln(w, hop.String()); err != nil {
			return fmt.Errorf("failed to write %s: %w", l.Redirects(), err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", l.Redirects(), err)
	}
	return f.Close()
}

func (l Layout) WriteHTML(body string) error {
	if err := os.WriteFile(l.HTML(), []byte(body), 0644); err != nil {
		return fmt.Errorf("failed to save %s: %w", l.HTML(), err)
	}
	return nil
}

// ProfileDir creates a fresh, empty browser profile directory for the job.
func ProfileDir(job *model.CaptureJob, name string) (string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("capture-%s-%s-", job.Host, name))
	if err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	return dir, nil
}
