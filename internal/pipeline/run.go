package pipeline

import (
	"errors"
	"time"

	"github.com/IliaW/capture-worker/internal/browser"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/process"
	"github.com/IliaW/capture-worker/internal/redirect"
	"github.com/IliaW/capture-worker/internal/storage"
)

type Stage string

const (
	StageProbeRedirects   Stage = "probe_redirects"
	StagePersistPreflight Stage = "persist_preflight"
	StageProvisionPrimary Stage = "provision_primary_display"
	StageLaunchBrowser    Stage = "launch_browser"
	StageScreenshot       Stage = "capture_screenshot"
	StageRecord           Stage = "record_secondary_display"
	StagePackage          Stage = "package"
)

// Run is the state of one executing job. It is owned by the job goroutine.
type Run struct {
	Job       *model.CaptureJob
	Layout    storage.Layout
	Primary   int
	Secondary int // 0 until claimed

	Redirects    model.RedirectRecord
	Response     *redirect.Response
	FallbackHTML string
	Artifacts    []string
	Archive      string

	StartedAt time.Time
	ProbeErr  error
	Err       error // the error that abandoned the job

	processes []process.Process
	session   browser.Session
	profiles  []string
}

func newRun(job *model.CaptureJob, layout storage.Layout, primary int) *Run {
	return &Run{
		Job:       job,
		Layout:    layout,
		Primary:   primary,
		Redirects: model.RedirectRecord{},
		StartedAt: time.Now(),
	}
}

func (r *Run) track(p process.Process) {
	r.processes = append(r.processes, p)
}

func (r *Run) addArtifact(path string) {
	r.Artifacts = append(r.Artifacts, path)
}

func (r *Run) status() model.Status {
	switch {
	case r.Err == nil && r.ProbeErr == nil:
		return model.StatusComplete
	case r.Err == nil, errors.Is(r.Err, ErrNavigationTimeout):
		return model.StatusIncomplete
	default:
		return model.StatusFailed
	}
}

func (r *Run) result(version string) *model.CaptureResult {
	res := &model.CaptureResult{
		JobID:            r.Job.ID,
		URL:              r.Job.URL,
		Host:             r.Job.Host,
		ScreenSize:       r.Job.Size.String(),
		OSType:           r.Job.OS,
		Source:           r.Job.Source.String(),
		PrimaryDisplay:   r.Primary,
		SecondaryDisplay: r.Secondary,
		Status:           r.status(),
		Redirects:        r.Redirects,
		Artifacts:        r.Artifacts,
		Archive:          r.Archive,
		StartedAt:        r.StartedAt,
		FinishedAt:       time.Now(),
		WorkerVersion:    version,
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
	} else if r.ProbeErr != nil {
		res.Error = r.ProbeErr.Error()
	}
	if r.Response != nil {
		res.FinalURL = r.Response.URL
		res.FinalStatus = r.Response.Status
	}
	return res
}

// HTML is the final page source, live or archived.
func (r *Run) HTML() string {
	if r.Response != nil {
		return r.Response.Body
	}
	return r.FallbackHTML
}
