package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/browser"
	"github.com/IliaW/capture-worker/internal/display"
	"github.com/IliaW/capture-worker/internal/metrics"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/packager"
	"github.com/IliaW/capture-worker/internal/process"
	"github.com/IliaW/capture-worker/internal/redirect"
)

// fakeProcess is alive until terminated, unless created dead.
type fakeProcess struct {
	name       string
	mu         sync.Mutex
	alive      bool
	terminated int
	exitErr    error
}

func (p *fakeProcess) Name() string { return p.name }
func (p *fakeProcess) Pid() int     { return 4242 }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) TerminateAndWait() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	p.alive = false
	return []byte("bye"), p.exitErr
}

func (p *fakeProcess) terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeLauncher hands out fake processes. ffmpeg "records" by creating its output file.
type fakeLauncher struct {
	mu        sync.Mutex
	specs     []process.Spec
	runs      []process.Spec
	procs     []*fakeProcess
	deadXvfb  map[string]bool  // spec name -> exits right away
	failSpawn map[string]error // spec name prefix -> spawn error
	runErr    error
}

func (l *fakeLauncher) Spawn(ctx context.Context, spec process.Spec) (process.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for prefix, err := range l.failSpawn {
		if strings.HasPrefix(spec.Name, prefix) {
			return nil, err
		}
	}
	l.specs = append(l.specs, spec)
	p := &fakeProcess{name: spec.Name, alive: !l.deadXvfb[spec.Name]}
	l.procs = append(l.procs, p)
	if strings.HasPrefix(spec.Name, "ffmpeg") {
		if err := os.WriteFile(spec.Args[len(spec.Args)-1], []byte("video"), 0644); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (l *fakeLauncher) Run(ctx context.Context, spec process.Spec) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, spec)
	return nil, l.runErr
}

func (l *fakeLauncher) spawned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.specs))
	for _, s := range l.specs {
		names = append(names, s.Name)
	}
	return names
}

func (l *fakeLauncher) allTerminated(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		if p.terminations() == 0 {
			t.Errorf("process %s was never terminated", p.name)
		}
		if p.Alive() {
			t.Errorf("process %s still alive", p.name)
		}
	}
}

type fakeSession struct {
	mu          sync.Mutex
	navigateErr error
	readyErr    error
	shotErr     error
	panicOnShot bool
	quits       int
}

func (s *fakeSession) Navigate(url string) error             { return s.navigateErr }
func (s *fakeSession) WaitReady(timeout time.Duration) error { return s.readyErr }

func (s *fakeSession) Screenshot(path string) error {
	if s.panicOnShot {
		panic("renderer crashed")
	}
	if s.shotErr != nil {
		return s.shotErr
	}
	return os.WriteFile(path, []byte("png"), 0644)
}

func (s *fakeSession) Quit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quits++
}

func (s *fakeSession) quitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

type fakeBrowsers struct {
	mu        sync.Mutex
	session   *fakeSession
	launchErr error
	opts      []browser.Options
}

func (b *fakeBrowsers) Launch(ctx context.Context, opts browser.Options) (browser.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = append(b.opts, opts)
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	if _, err := os.Stat(opts.ProfileDir); err != nil {
		return nil, fmt.Errorf("profile dir missing: %w", err)
	}
	return b.session, nil
}

type fakeProber struct {
	resp   *redirect.Response
	record model.RedirectRecord
	err    error
}

func (p *fakeProber) Probe(ctx context.Context, url, userAgent, proxy string) (*redirect.Response, model.RedirectRecord, error) {
	return p.resp, p.record, p.err
}

type fakeArchive struct {
	html string
	err  error
}

func (a *fakeArchive) ArchivedHTML(url string) (string, error) { return a.html, a.err }

type collectSink struct {
	mu      sync.Mutex
	results []*model.CaptureResult
}

func (s *collectSink) Publish(r *model.CaptureResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *collectSink) all() []*model.CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.CaptureResult(nil), s.results...)
}

// fakeGuard maps held hosts to their owner.
type fakeGuard struct {
	mu     sync.Mutex
	owners map[string]string
}

func (g *fakeGuard) TryLock(host, owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.owners[host]; held {
		return false
	}
	g.owners[host] = owner
	return true
}

func (g *fakeGuard) Unlock(host, owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owners[host] == owner {
		delete(g.owners, host)
	}
}

type fixture struct {
	p        *Pipeline
	launcher *fakeLauncher
	browsers *fakeBrowsers
	session  *fakeSession
	prober   *fakeProber
	sink     *collectSink
	dataDir  string
}

const finalHTML = "<html><head><title>Example Domain</title></head></html>"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	session := &fakeSession{}
	f := &fixture{
		launcher: &fakeLauncher{deadXvfb: map[string]bool{}, failSpawn: map[string]error{}},
		session:  session,
		browsers: &fakeBrowsers{session: session},
		prober: &fakeProber{
			resp: &redirect.Response{URL: "http://example.com/", Status: 200, Body: finalHTML},
			record: model.RedirectRecord{
				{URL: "http://example.com", Status: 301},
				{URL: "http://example.com/", Status: 200},
			},
		},
		sink:    &collectSink{},
		dataDir: dataDir,
	}
	f.p = &Pipeline{
		Cfg: &config.Config{
			Version: "test",
			DataDir: dataDir,
			DisplaySettings: &config.DisplayConfig{
				MaxDisplay:           99,
				SettleDelay:          5 * time.Second,
				SecondarySettleDelay: 2 * time.Second,
			},
			CaptureSettings: &config.CaptureConfig{
				PageReadyTimeout: 60 * time.Second,
				RecordDuration:   15 * time.Second,
				FrameRate:        25,
				Preset:           "medium",
				Crf:              23,
				XvfbPath:         "Xvfb",
				FfmpegPath:       "ffmpeg",
				ChromePath:       "google-chrome",
				XdotoolPath:      "xdotool",
			},
		},
		Pool:     display.New(99),
		Launcher: f.launcher,
		Browsers: f.browsers,
		Prober:   f.prober,
		Packager: packager.ZipPackager{},
		Sink:     f.sink,
		Metrics:  metrics.NewNoopSink(),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	}
	return f
}

func newJob(t *testing.T, url string) *model.CaptureJob {
	t.Helper()
	job, err := model.NewCaptureJob(&model.CaptureTask{URL: url, ScreenSize: "1024x768", OSType: "linux"}, model.Prompt)
	if err != nil {
		t.Fatalf("NewCaptureJob: %v", err)
	}
	return job
}

func (f *fixture) run(t *testing.T, job *model.CaptureJob) *model.CaptureResult {
	t.Helper()
	primary, ok := f.p.Pool.Acquire()
	if !ok {
		t.Fatal("no display slot")
	}
	return f.p.Run(context.Background(), job, primary)
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, newJob(t, "http://example.com"))

	if result.Status != model.StatusComplete {
		t.Fatalf("Status = %s (%s), want complete", result.Status, result.Error)
	}
	dir := filepath.Join(f.dataDir, "example_com")
	for _, name := range []string{
		"example_com.png", "example_com_output.mp4", "example_com_redirects.txt", "example_com_final.html",
		"example_com.zip",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}

	html, _ := os.ReadFile(filepath.Join(dir, "example_com_final.html"))
	if string(html) != finalHTML {
		t.Errorf("final html = %q", html)
	}
	redirects, _ := os.ReadFile(filepath.Join(dir, "example_com_redirects.txt"))
	if string(redirects) != "301 http://example.com\n200 http://example.com/\n" {
		t.Errorf("redirects = %q", redirects)
	}

	if result.PrimaryDisplay != 1 || result.SecondaryDisplay != 2 {
		t.Errorf("displays = %d/%d, want 1/2", result.PrimaryDisplay, result.SecondaryDisplay)
	}
	if got := f.p.Pool.InUse(); len(got) != 0 {
		t.Errorf("displays held after teardown: %v", got)
	}
	want := []string{"xvfb:1", "xvfb:2", "chrome:2", "ffmpeg:2"}
	if got := f.launcher.spawned(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("spawned = %v, want %v", got, want)
	}
	if len(f.launcher.runs) != 1 || f.launcher.runs[0].Name != "xdotool:2" {
		t.Errorf("one-shot runs = %v", f.launcher.runs)
	}
	f.launcher.allTerminated(t)
	if f.session.quitCount() != 1 {
		t.Errorf("session quit %d times, want 1", f.session.quitCount())
	}
	if len(f.sink.all()) != 1 {
		t.Errorf("published %d results, want 1", len(f.sink.all()))
	}
	if result.Archive != filepath.Join(dir, "example_com.zip") {
		t.Errorf("Archive = %q", result.Archive)
	}

	opts := f.browsers.opts[0]
	if opts.Display != 1 || opts.Size != (model.ScreenSize{Width: 1024, Height: 768}) || opts.UserAgent != model.UserAgent("linux") {
		t.Errorf("browser options = %+v", opts)
	}
	if _, err := os.Stat(opts.ProfileDir); !os.IsNotExist(err) {
		t.Errorf("profile dir %s not removed", opts.ProfileDir)
	}
}

func TestRun_ProvisioningFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.launcher.deadXvfb["xvfb:1"] = true

	result := f.run(t, newJob(t, "http://example.com"))

	if result.Status != model.StatusFailed || !strings.Contains(result.Error, ErrProvisioning.Error()) {
		t.Errorf("result = %s %q, want failed provisioning", result.Status, result.Error)
	}
	if len(f.browsers.opts) != 0 {
		t.Error("browser must not be launched when the display did not start")
	}
	if f.p.Pool.Len() != 0 {
		t.Errorf("displays held: %v", f.p.Pool.InUse())
	}
	if id, ok := f.p.Pool.Acquire(); !ok || id != 1 {
		t.Errorf("Acquire() after failure = %d, %v; want 1, true", id, ok)
	}
	f.launcher.allTerminated(t)
}

func TestRun_NavigationTimeoutIsIncomplete(t *testing.T) {
	f := newFixture(t)
	f.session.readyErr = browser.ErrNotReady

	result := f.run(t, newJob(t, "http://example.com"))

	if result.Status != model.StatusIncomplete {
		t.Errorf("Status = %s, want incomplete", result.Status)
	}
	for _, name := range f.launcher.spawned() {
		if strings.HasPrefix(name, "ffmpeg") {
			t.Error("recorder must not start after a navigation timeout")
		}
	}
	if f.session.quitCount() != 1 {
		t.Errorf("session quit %d times, want 1", f.session.quitCount())
	}
	if f.p.Pool.Len() != 0 {
		t.Errorf("displays held: %v", f.p.Pool.InUse())
	}
}

func TestRun_ProbeFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.prober.resp = nil
	f.prober.record = model.RedirectRecord{{URL: "http://example.com", Status: 302}}
	f.prober.err = redirect.ErrProbe

	result := f.run(t, newJob(t, "http://example.com"))

	if result.Status != model.StatusIncomplete {
		t.Errorf("Status = %s, want incomplete", result.Status)
	}
	dir := filepath.Join(f.dataDir, "example_com")
	data, err := os.ReadFile(filepath.Join(dir, "example_com_redirects.txt"))
	if err != nil || len(data) != 0 {
		t.Errorf("redirects file = %q, %v; want empty file", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "example_com_final.html")); !os.IsNotExist(err) {
		t.Error("no html must be written without a response")
	}
	for _, name := range []string{"example_com.png", "example_com_output.mp4", "example_com.zip"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}
	zr, err := zip.OpenReader(filepath.Join(dir, "example_com.zip"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	if want := "example_com.png,example_com_output.mp4,example_com_redirects.txt"; strings.Join(names, ",") != want {
		t.Errorf("archive entries = %v, want %s", names, want)
	}
}

func TestRun_ProbeFailureUsesArchivedCopy(t *testing.T) {
	f := newFixture(t)
	f.prober.resp, f.prober.record, f.prober.err = nil, nil, redirect.ErrProbe
	f.p.Cfg.CaptureSettings.ArchiveFallback = true
	f.p.Archive = &fakeArchive{html: "<html>archived</html>"}

	f.run(t, newJob(t, "http://example.com"))

	data, err := os.ReadFile(filepath.Join(f.dataDir, "example_com", "example_com_final.html"))
	if err != nil || string(data) != "<html>archived</html>" {
		t.Errorf("final html = %q, %v", data, err)
	}
}

func TestRun_TeardownReleasesEverythingFromAnyStage(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"probe fails", func(f *fixture) { f.prober.resp, f.prober.err = nil, redirect.ErrProbe }},
		{"primary display spawn fails", func(f *fixture) { f.launcher.failSpawn["xvfb:1"] = boom }},
		{"primary display dies", func(f *fixture) { f.launcher.deadXvfb["xvfb:1"] = true }},
		{"browser launch fails", func(f *fixture) { f.browsers.launchErr = boom }},
		{"navigation fails", func(f *fixture) { f.session.navigateErr = boom }},
		{"page not ready", func(f *fixture) { f.session.readyErr = browser.ErrNotReady }},
		{"screenshot fails", func(f *fixture) { f.session.shotErr = boom }},
		{"screenshot panics", func(f *fixture) { f.session.panicOnShot = true }},
		{"secondary display dies", func(f *fixture) { f.launcher.deadXvfb["xvfb:2"] = true }},
		{"secondary browser fails", func(f *fixture) { f.launcher.failSpawn["chrome"] = boom }},
		{"resize fails", func(f *fixture) { f.launcher.runErr = boom }},
		{"recorder fails to start", func(f *fixture) { f.launcher.failSpawn["ffmpeg"] = boom }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			result := f.run(t, newJob(t, "http://example.com"))

			if held := f.p.Pool.InUse(); len(held) != 0 {
				t.Errorf("displays held after teardown: %v", held)
			}
			f.launcher.allTerminated(t)
			if q := f.session.quitCount(); q > 1 {
				t.Errorf("session quit %d times", q)
			}
			if len(f.sink.all()) != 1 {
				t.Errorf("published %d results, want 1", len(f.sink.all()))
			}
			if result == nil {
				t.Fatal("Run returned nil result")
			}
		})
	}
}

func TestRun_SecondaryAlreadyHeld(t *testing.T) {
	f := newFixture(t)
	f.p.Pool.Claim(2)

	result := f.run(t, newJob(t, "http://example.com"))

	if !strings.Contains(result.Error, ErrProvisioning.Error()) {
		t.Errorf("Error = %q, want provisioning failure", result.Error)
	}
	// only the foreign claim survives
	if held := f.p.Pool.InUse(); len(held) != 1 || held[0] != 2 {
		t.Errorf("InUse() = %v, want [2]", held)
	}
}

func TestRun_CancelledContextStillTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary, _ := f.p.Pool.Acquire()

	result := f.p.Run(ctx, newJob(t, "http://example.com"), primary)

	if result.Status != model.StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
	if f.p.Pool.Len() != 0 {
		t.Errorf("displays held: %v", f.p.Pool.InUse())
	}
	f.launcher.allTerminated(t)
}

func TestDispatch_ConcurrentJobsGetDistinctDisplays(t *testing.T) {
	f := newFixture(t)
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	f.p.sleep = func(ctx context.Context, d time.Duration) error {
		if d == f.p.Cfg.CaptureSettings.RecordDuration {
			arrived <- struct{}{}
			<-release
		}
		return nil
	}

	for _, url := range []string{"http://example.com", "http://example.org"} {
		if _, err := f.p.Dispatch(context.Background(), newJob(t, url)); err != nil {
			t.Fatalf("Dispatch(%s): %v", url, err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not reach the recording stage")
		}
	}

	held := f.p.Pool.InUse()
	if fmt.Sprint(held) != "[1 2 3 6]" {
		t.Errorf("InUse() while recording = %v, want [1 2 3 6]", held)
	}

	close(release)
	f.p.Wait()

	results := f.sink.all()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	pairs := map[int]int{}
	for _, r := range results {
		pairs[r.PrimaryDisplay] = r.SecondaryDisplay
	}
	if pairs[1] != 2 || pairs[3] != 6 {
		t.Errorf("display pairs = %v, want 1->2 and 3->6", pairs)
	}
	if f.p.Pool.Len() != 0 {
		t.Errorf("displays held after both jobs: %v", f.p.Pool.InUse())
	}
}

func TestDispatch_CapacityExhausted(t *testing.T) {
	f := newFixture(t)
	f.p.Pool = display.New(1)
	f.p.Pool.Acquire()

	_, err := f.p.Dispatch(context.Background(), newJob(t, "http://example.com"))
	if !errors.Is(err, display.ErrCapacityExhausted) {
		t.Errorf("Dispatch err = %v, want ErrCapacityExhausted", err)
	}
}

func TestDispatch_HostBusy(t *testing.T) {
	f := newFixture(t)
	guard := &fakeGuard{owners: map[string]string{"example_com": "other-job"}}
	f.p.Guard = guard

	_, err := f.p.Dispatch(context.Background(), newJob(t, "http://example.com"))
	if !errors.Is(err, ErrHostBusy) {
		t.Errorf("Dispatch err = %v, want ErrHostBusy", err)
	}
	if f.p.Pool.Len() != 0 {
		t.Error("a busy host must not consume a display slot")
	}
}

func TestDispatch_GuardReleasedAfterJob(t *testing.T) {
	f := newFixture(t)
	guard := &fakeGuard{owners: map[string]string{}}
	f.p.Guard = guard

	if _, err := f.p.Dispatch(context.Background(), newJob(t, "http://example.com")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.p.Wait()

	if !guard.TryLock("example_com", "next-job") {
		t.Error("host guard still held after the job finished")
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepCtx: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepCtx on cancelled ctx = %v", err)
	}
}
