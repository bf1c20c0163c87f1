// Package pipeline runs one capture job from redirect probing to teardown.
//
// Stages run strictly in order. Whatever a job acquired before a failure (display
// slots, processes, browser session, profile directories) is released by teardown,
// which always runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/browser"
	"github.com/IliaW/capture-worker/internal/command"
	"github.com/IliaW/capture-worker/internal/display"
	"github.com/IliaW/capture-worker/internal/metrics"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/packager"
	"github.com/IliaW/capture-worker/internal/process"
	"github.com/IliaW/capture-worker/internal/redirect"
	"github.com/IliaW/capture-worker/internal/storage"
)

const resizeTimeout = 10 * time.Second

// Archiver looks up an archived copy of a page when the live probe fails.
type Archiver interface {
	ArchivedHTML(url string) (string, error)
}

// ResultSink receives the outcome of every job after teardown.
type ResultSink interface {
	Publish(result *model.CaptureResult)
}

// HostGuard keeps two jobs from writing into the same host directory at once. The
// job ID is the owner of the lock.
type HostGuard interface {
	TryLock(host, owner string) bool
	Unlock(host, owner string)
}

type Pipeline struct {
	Cfg      *config.Config
	Pool     *display.Pool
	Launcher process.Launcher
	Browsers browser.Launcher
	Prober   redirect.Prober
	Packager packager.Packager
	Archive  Archiver   // optional
	Sink     ResultSink // optional
	Guard    HostGuard  // optional
	Metrics  metrics.Sink
	Log      *slog.Logger

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

// Dispatch acquires a display slot for the job and starts it in its own goroutine.
// It does not wait for the job. ErrCapacityExhausted and ErrHostBusy mean the
// caller should retry later.
func (p *Pipeline) Dispatch(ctx context.Context, job *model.CaptureJob) (int, error) {
	if p.Guard != nil && !p.Guard.TryLock(job.Host, job.ID) {
		return 0, fmt.Errorf("%w: %s", ErrHostBusy, job.Host)
	}
	primary, ok := p.Pool.Acquire()
	if !ok {
		if p.Guard != nil {
			p.Guard.Unlock(job.Host, job.ID)
		}
		return 0, display.ErrCapacityExhausted
	}
	p.metrics().SlotsInUse(p.Pool.Len())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx, job, primary)
	}()

	return primary, nil
}

// Wait blocks until every dispatched job has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Run executes the job on an already acquired primary display and takes ownership
// of it: the display is released before Run returns, whatever happens.
func (p *Pipeline) Run(ctx context.Context, job *model.CaptureJob, primary int) (result *model.CaptureResult) {
	run := newRun(job, storage.NewLayout(p.Cfg.DataDir, job.Host), primary)
	log := p.Log.With(slog.String("job", job.ID), slog.String("host", job.Host), slog.Int("display", primary))
	log.Info("capture job started.", slog.String("url", job.URL), slog.String("size", job.Size.String()),
		slog.String("os", job.OS), slog.String("source", job.Source.String()))
	p.metrics().JobStarted()

	defer func() {
		if r := recover(); r != nil {
			log.Error("PANIC!", slog.Any("err", r))
			run.Err = fmt.Errorf("panic: %v", r)
		}
		p.teardown(run, log)
		result = run.result(p.Cfg.Version)
		p.metrics().JobFinished(string(result.Status), time.Since(run.StartedAt))
		log.Info("capture job finished.", slog.String("status", string(result.Status)),
			slog.Duration("duration", time.Since(run.StartedAt)))
		if p.Sink != nil {
			p.Sink.Publish(result)
		}
	}()

	if err := p.execute(ctx, run, log); err != nil {
		run.Err = err
		log.Error("capture job abandoned.", slog.String("err", err.Error()))
	}
	return result
}

func (p *Pipeline) execute(ctx context.Context, run *Run, log *slog.Logger) error {
	if err := run.Layout.Ensure(); err != nil {
		return err
	}

	// preflight failures are not fatal
	run.ProbeErr = p.stage(run, log, StageProbeRedirects, func() error { return p.probeRedirects(ctx, run, log) })
	_ = p.stage(run, log, StagePersistPreflight, func() error { return p.persistPreflight(run) })

	stages := []struct {
		name Stage
		fn   func() error
	}{
		{StageProvisionPrimary, func() error { return p.provisionPrimary(ctx, run, log) }},
		{StageLaunchBrowser, func() error { return p.launchBrowser(ctx, run) }},
		{StageScreenshot, func() error { return p.captureScreenshot(run) }},
		{StageRecord, func() error { return p.recordSecondary(ctx, run, log) }},
		{StagePackage, func() error { return p.pack(run, log) }},
	}
	for _, s := range stages {
		if err := p.stage(run, log, s.name, s.fn); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (p *Pipeline) stage(run *Run, log *slog.Logger, name Stage, fn func() error) error {
	log.Debug("stage started.", slog.String("stage", string(name)))
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	p.metrics().StageCompleted(string(name), elapsed, err)
	if err != nil {
		log.Error("stage failed.", slog.String("stage", string(name)), slog.Duration("duration", elapsed),
			slog.String("err", err.Error()))
		return err
	}
	log.Info("stage completed.", slog.String("stage", string(name)), slog.Duration("duration", elapsed))
	return nil
}

func (p *Pipeline) probeRedirects(ctx context.Context, run *Run, log *slog.Logger) error {
	resp, record, err := p.Prober.Probe(ctx, run.Job.URL, run.Job.UserAgent(), run.Job.Proxy)
	if err != nil {
		run.Redirects = model.RedirectRecord{}
		if p.Archive != nil && p.Cfg.CaptureSettings.ArchiveFallback {
			html, aErr := p.Archive.ArchivedHTML(run.Job.URL)
			if aErr != nil {
				log.Warn("no archived copy of the page.", slog.String("err", aErr.Error()))
			} else {
				run.FallbackHTML = html
				log.Info("using archived copy of the page.")
			}
		}
		return err
	}
	run.Response = resp
	run.Redirects = record
	return nil
}

func (p *Pipeline) persistPreflight(run *Run) error {
	if err := run.Layout.WriteRedirects(run.Redirects); err != nil {
		return err
	}
	run.addArtifact(run.Layout.Redirects())

	if html := run.HTML(); run.Response != nil || html != "" {
		if err := run.Layout.WriteHTML(html); err != nil {
			return err
		}
		run.addArtifact(run.Layout.HTML())
	}
	return nil
}

func (p *Pipeline) provisionPrimary(ctx context.Context, run *Run, log *slog.Logger) error {
	return p.startDisplay(ctx, run, log, run.Primary, p.Cfg.DisplaySettings.SettleDelay)
}

// startDisplay spawns a virtual display server, waits for it to settle and checks it is still running.
func (p *Pipeline) startDisplay(ctx context.Context, run *Run, log *slog.Logger, id int, settle time.Duration) error {
	xvfb, err := p.Launcher.Spawn(ctx, command.Xvfb(p.Cfg.CaptureSettings.XvfbPath, id, run.Job.Size))
	if err != nil {
		return fmt.Errorf("%w: display :%d: %w", ErrProvisioning, id, err)
	}
	run.track(xvfb)

	if err := p.wait(ctx, settle); err != nil {
		return err
	}
	if !xvfb.Alive() {
		out, _ := xvfb.TerminateAndWait()
		log.Error("display server exited.", slog.Int("id", id), slog.Int("pid", xvfb.Pid()),
			slog.String("output", tail(out)))
		return fmt.Errorf("%w: display server on :%d is not running", ErrProvisioning, id)
	}
	log.Info("display server is running.", slog.Int("id", id), slog.String("size", run.Job.Size.String()))
	return nil
}

func (p *Pipeline) launchBrowser(ctx context.Context, run *Run) error {
	profile, err := storage.ProfileDir(run.Job, "primary")
	if err != nil {
		return err
	}
	run.profiles = append(run.profiles, profile)

	session, err := p.Browsers.Launch(ctx, browser.Options{
		Display:         run.Primary,
		Size:            run.Job.Size,
		UserAgent:       run.Job.UserAgent(),
		ProfileDir:      profile,
		Proxy:           run.Job.Proxy,
		ExecPath:        p.Cfg.CaptureSettings.ChromePath,
		NavigateTimeout: p.Cfg.CaptureSettings.PageReadyTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessExecution, err)
	}
	run.session = session

	if err := session.Navigate(run.Job.URL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrNavigationTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	if err := session.WaitReady(p.Cfg.CaptureSettings.PageReadyTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrNavigationTimeout, err)
	}
	return nil
}

func (p *Pipeline) captureScreenshot(run *Run) error {
	if err := run.session.Screenshot(run.Layout.Screenshot()); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessExecution, err)
	}
	run.addArtifact(run.Layout.Screenshot())
	return nil
}

// recordSecondary opens the url again in a visible browser on the paired display and
// records that display for the configured duration.
func (p *Pipeline) recordSecondary(ctx context.Context, run *Run, log *slog.Logger) error {
	capture := p.Cfg.CaptureSettings
	secondary := display.Secondary(run.Primary)
	if !p.Pool.Claim(secondary) {
		return fmt.Errorf("%w: display :%d is already in use", ErrProvisioning, secondary)
	}
	run.Secondary = secondary

	if err := p.startDisplay(ctx, run, log, secondary, p.Cfg.DisplaySettings.SecondarySettleDelay); err != nil {
		return err
	}

	profile, err := storage.ProfileDir(run.Job, "secondary")
	if err != nil {
		return err
	}
	run.profiles = append(run.profiles, profile)

	chrome, err := p.Launcher.Spawn(ctx, command.Chrome(capture.ChromePath, command.ChromeOptions{
		Display:    secondary,
		Size:       run.Job.Size,
		ProfileDir: profile,
		UserAgent:  run.Job.UserAgent(),
		Proxy:      run.Job.Proxy,
	}, run.Job.URL))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessExecution, err)
	}
	run.track(chrome)

	resizeCtx, cancel := context.WithTimeout(ctx, resizeTimeout)
	if _, err := p.Launcher.Run(resizeCtx, command.XdotoolFill(capture.XdotoolPath, secondary)); err != nil {
		log.Warn("failed to resize browser window.", slog.String("err", err.Error()))
	}
	cancel()

	recorder, err := p.Launcher.Spawn(ctx, command.Ffmpeg(capture.FfmpegPath, secondary, run.Job.Size, command.Encoding{
		FrameRate: capture.FrameRate,
		Preset:    capture.Preset,
		Crf:       capture.Crf,
	}, run.Layout.Video()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessExecution, err)
	}
	run.track(recorder)
	log.Info("recording started.", slog.Int("id", secondary), slog.Duration("duration", capture.RecordDuration))

	if err := p.wait(ctx, capture.RecordDuration); err != nil {
		return err
	}

	out, err := recorder.TerminateAndWait()
	log.Debug("recorder output.", slog.String("output", tail(out)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessExecution, err)
	}
	log.Info("recording stopped.", slog.Int("id", secondary))
	if _, err := os.Stat(run.Layout.Video()); err == nil {
		run.addArtifact(run.Layout.Video())
	}
	return nil
}

func (p *Pipeline) pack(run *Run, log *slog.Logger) error {
	files := run.Layout.Existing()
	if len(files) < len(run.Layout.Bundle()) {
		log.Warn("archive is missing artifacts.", slog.Int("present", len(files)),
			slog.Int("expected", len(run.Layout.Bundle())))
	}
	packed, err := p.Packager.Pack(run.Layout.Archive(), files)
	if err != nil {
		return err
	}
	log.Debug("artifacts packed.", slog.Int("files", len(packed)))
	run.Archive = run.Layout.Archive()
	run.addArtifact(run.Archive)
	log.Info("archive created.", slog.String("archive", run.Archive))
	return nil
}

// teardown releases everything the run acquired. It is safe for any partial state.
func (p *Pipeline) teardown(run *Run, log *slog.Logger) {
	if run.session != nil {
		run.session.Quit()
		run.session = nil
	}
	for i := len(run.processes) - 1; i >= 0; i-- {
		proc := run.processes[i]
		out, err := proc.TerminateAndWait()
		if err != nil {
			log.Warn("process exited with error.", slog.String("name", proc.Name()), slog.Int("pid", proc.Pid()),
				slog.String("err", err.Error()), slog.String("output", tail(out)))
		}
	}
	run.processes = nil
	for _, dir := range run.profiles {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove profile directory.", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}
	run.profiles = nil

	p.Pool.Release(run.Primary)
	if run.Secondary != 0 {
		p.Pool.Release(run.Secondary)
	}
	if p.Guard != nil {
		p.Guard.Unlock(run.Job.Host, run.Job.ID)
	}
	p.metrics().SlotsInUse(p.Pool.Len())
	log.Debug("teardown complete.")
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (p *Pipeline) metrics() metrics.Sink {
	if p.Metrics == nil {
		return metrics.NewNoopSink()
	}
	return p.Metrics
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tail keeps the end of a tool's output, where the failure reason usually is.
func tail(out []byte) string {
	const limit = 2000
	if len(out) > limit {
		return string(out[len(out)-limit:])
	}
	return string(out)
}
