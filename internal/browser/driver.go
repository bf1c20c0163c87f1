package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IliaW/capture-worker/internal/command"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var ErrNotReady = errors.New("page did not reach ready state")

type Options struct {
	Display         int
	Size            model.ScreenSize
	UserAgent       string
	ProfileDir      string
	Proxy           string
	ExecPath        string
	NavigateTimeout time.Duration
}

// Session is a headless browser bound to one virtual display.
type Session interface {
	Navigate(url string) error
	WaitReady(timeout time.Duration) error
	Screenshot(path string) error
	Quit()
}

type Launcher interface {
	Launch(ctx context.Context, opts Options) (Session, error)
}

type ChromedpLauncher struct {
	log *slog.Logger
}

func NewChromedpLauncher(log *slog.Logger) *ChromedpLauncher {
	return &ChromedpLauncher{log: log}
}

// Launch starts a headless chrome with a fresh profile on the display given in opts.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts Options) (Session, error) {
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.DisableGPU,
		chromedp.WindowSize(opts.Size.Width, opts.Size.Height),
		chromedp.UserDataDir(opts.ProfileDir),
		chromedp.Env(command.DisplayEnv(opts.Display)),
	)
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(opts.Proxy))
	}
	if opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 60 * time.Second
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, execOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// the first Run starts the browser process
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &chromedpSession{
		ctx:           browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		opts:          opts,
		log:           l.log.With(slog.Int("display", opts.Display)),
	}, nil
}

type chromedpSession struct {
	ctx           context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	opts          Options
	log           *slog.Logger
	quitOnce      sync.Once
}

func (s *chromedpSession) Navigate(url string) error {
	chromedp.ListenTarget(s.ctx, func(event interface{}) {
		if ev, ok := event.(*network.EventRequestWillBeSent); ok && ev.RedirectResponse != nil {
			s.log.Debug("browser redirected.", slog.String("from", ev.RedirectResponse.URL),
				slog.String("to", ev.Request.URL))
		}
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.NavigateTimeout)
	defer cancel()
	return chromedp.Run(ctx,
		network.Enable(),
		enableLifeCycleEvents(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errorText, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("navigate %s: %s", url, errorText)
			}
			return nil
		}),
	)
}

// WaitReady polls document.readyState until it is "complete" or the timeout passes.
func (s *chromedpSession) WaitReady(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	if err := chromedp.Run(ctx, waitForDocumentReady()); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrNotReady, timeout)
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// Screenshot writes a PNG of the whole document, not only the viewport.
func (s *chromedpSession) Screenshot(path string) error {
	var buf []byte
	if err := chromedp.Run(s.ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write screenshot %s: %w", path, err)
	}
	return nil
}

func (s *chromedpSession) Quit() {
	s.quitOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil {
			s.log.Debug("browser did not close gracefully.", slog.String("err", err.Error()))
		}
		s.cancelBrowser()
		s.cancelAlloc()
	})
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

func waitForDocumentReady() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
