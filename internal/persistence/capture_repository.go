package persistence

import (
	"database/sql"
	"log/slog"
	"strings"

	"github.com/IliaW/capture-worker/internal/model"
)

type CaptureStorage interface {
	Save(*model.CaptureResult)
}

const insertCapture = "INSERT INTO capture_results (job_id, url, host, screen_size, os_type, source, status, " +
	"error, final_url, final_status, title, redirects, archive_link, started_at, finished_at, worker_version) " +
	"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

type CaptureRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewCaptureRepository(db *sql.DB, log *slog.Logger) *CaptureRepository {
	return &CaptureRepository{db: db, log: log}
}

func (cr *CaptureRepository) Save(result *model.CaptureResult) {
	if _, err := cr.db.Exec(insertCapture, captureRow(result)...); err != nil {
		cr.log.Error("failed to save capture result to database.", slog.String("job", result.JobID),
			slog.String("err", err.Error()))
		return
	}
	cr.log.Debug("capture result saved to db.", slog.String("job", result.JobID))
}

func captureRow(r *model.CaptureResult) []any {
	return []any{
		r.JobID,
		r.URL,
		r.Host,
		r.ScreenSize,
		r.OSType,
		r.Source,
		string(r.Status),
		r.Error,
		r.FinalURL,
		r.FinalStatus,
		r.Title,
		redirectsColumn(r.Redirects),
		r.ArchiveLink,
		r.StartedAt,
		r.FinishedAt,
		r.WorkerVersion,
	}
}

// redirectsColumn stores the chain in the same "<status> <url>" form as the redirects file.
func redirectsColumn(record model.RedirectRecord) string {
	var sb strings.Builder
	for _, hop := range record {
		sb.WriteString(hop.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

type NopCaptureStorage struct{}

func (NopCaptureStorage) Save(*model.CaptureResult) {}
