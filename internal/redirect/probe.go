// Package redirect fetches a page before the browser does, to record the redirect
// chain and the final HTML.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/IliaW/capture-worker/internal/model"
	"github.com/gocolly/colly"
)

var ErrProbe = errors.New("redirect probe failed")

const maxRedirects = 30

// Response is the final page reached after following redirects.
type Response struct {
	URL    string
	Status int
	Body   string
}

type Prober interface {
	Probe(ctx context.Context, url, userAgent, proxy string) (*Response, model.RedirectRecord, error)
}

type CollyProber struct {
	timeout time.Duration
	log     *slog.Logger
}

func NewCollyProber(timeout time.Duration, log *slog.Logger) *CollyProber {
	return &CollyProber{timeout: timeout, log: log}
}

// Probe follows redirects from rawURL. On a transport error it returns a nil
// response together with the hops seen so far.
func (p *CollyProber) Probe(ctx context.Context, rawURL, userAgent, proxy string) (*Response, model.RedirectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProbe, err)
	}

	c := colly.NewCollector()
	c.SetRequestTimeout(p.timeout)
	c.ParseHTTPErrorResponse = true
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	if proxy != "" {
		if err := c.SetProxy(proxyURL(proxy)); err != nil {
			return nil, nil, fmt.Errorf("%w: proxy %s: %w", ErrProbe, proxy, err)
		}
	}

	var (
		mu       sync.Mutex
		hops     []model.RedirectHop
		finalURL = rawURL
		resp     *Response
		fetchErr error
	)
	c.RedirectHandler = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		mu.Lock()
		defer mu.Unlock()
		if req.Response != nil {
			hops = append(hops, model.RedirectHop{URL: req.Response.Request.URL.String(), Status: req.Response.StatusCode})
			p.log.Info("redirected.", slog.String("url", req.Response.Request.URL.String()),
				slog.Int("status", req.Response.StatusCode))
		}
		finalURL = req.URL.String()
		return nil
	}
	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		resp = &Response{URL: finalURL, Status: r.StatusCode, Body: string(r.Body)}
	})
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		fetchErr = err
	})

	err := c.Visit(rawURL)

	mu.Lock()
	defer mu.Unlock()
	record := dedupByPath(hops)
	if err == nil {
		err = fetchErr
	}
	if err != nil || resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		p.log.Error("request failed.", slog.String("url", rawURL), slog.String("err", err.Error()))
		return nil, record, fmt.Errorf("%w: %s: %w", ErrProbe, rawURL, err)
	}
	record = append(record, model.RedirectHop{URL: resp.URL, Status: resp.Status})
	p.log.Info("final page.", slog.String("url", resp.URL), slog.Int("status", resp.Status))

	return resp, record, nil
}

// dedupByPath drops a hop whose path equals the path of the hop before it.
func dedupByPath(hops []model.RedirectHop) model.RedirectRecord {
	record := make(model.RedirectRecord, 0, len(hops)+1)
	lastPath, first := "", true
	for _, hop := range hops {
		path := hop.URL
		if u, err := url.Parse(hop.URL); err == nil {
			path = u.Path
		}
		if first || path != lastPath {
			record = append(record, hop)
		}
		lastPath, first = path, false
	}
	return record
}

func proxyURL(proxy string) string {
	if u, err := url.Parse(proxy); err == nil && u.Scheme != "" && u.Host != "" {
		return proxy
	}
	return "http://" + proxy
}
