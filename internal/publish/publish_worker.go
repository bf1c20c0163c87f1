// Package publish hands finished capture results to the storage backends and the
// kafka producer.
package publish

import (
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/aws_s3"
	"github.com/IliaW/capture-worker/internal/cache"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/persistence"
	"github.com/IliaW/capture-worker/internal/storage"
)

// Queue is the pipeline's result sink. Publish blocks while the queue is full.
type Queue chan<- *model.CaptureResult

func (q Queue) Publish(result *model.CaptureResult) {
	q <- result
}

type PublishWorker struct {
	InputChan  <-chan *model.CaptureResult
	OutputChan chan<- *model.CaptureResult // optional
	PanicChan  chan struct{}
	Cfg        *config.Config
	Log        *slog.Logger
	Db         persistence.CaptureStorage
	S3         aws_s3.BucketClient
	Cache      cache.CachedClient
	Wg         *sync.WaitGroup
}

// Run publishes results until InputChan is closed.
func (w *PublishWorker) Run() {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.Any("err", r))
			w.PanicChan <- struct{}{}
		}
	}()
	defer w.Wg.Done()
	w.Log.Debug("starting publish worker.")

	for result := range w.InputChan {
		w.publish(result)
	}
}

func (w *PublishWorker) publish(result *model.CaptureResult) {
	result.Title = w.title(result)
	if result.Status != model.StatusFailed {
		w.Cache.CountCapture(result.Host)
	}
	result.ArchiveLink = w.S3.WriteArchive(result)
	w.Cache.SaveArchiveLink(result.Host, result.ArchiveLink)
	w.Db.Save(result)
	if w.OutputChan != nil {
		w.OutputChan <- result
	}
	w.Log.Debug("capture result published.", slog.String("job", result.JobID),
		slog.String("link", result.ArchiveLink))
}

// title reads <title> from the final html the job persisted, if any.
func (w *PublishWorker) title(result *model.CaptureResult) string {
	htmlPath := storage.NewLayout(w.Cfg.DataDir, result.Host).HTML()
	if !slices.Contains(result.Artifacts, htmlPath) {
		return ""
	}
	f, err := os.Open(htmlPath)
	if err != nil {
		w.Log.Warn("failed to open final html.", slog.String("err", err.Error()))
		return ""
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		w.Log.Warn("failed to parse final html.", slog.String("err", err.Error()))
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
