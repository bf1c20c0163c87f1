// Package crawler looks up archived copies of pages in CommonCrawl when the live page
// cannot be fetched.
package crawler

import (
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"

	"github.com/IliaW/capture-worker/config"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

var (
	ErrNoArchivedCopy = errors.New("no archived copy found")
	ErrUnavailable    = errors.New("connection to common crawl failed")

	htmlRe = regexp.MustCompile(`(?si)<!doctype html>.*?</html>`)
)

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

type CommonCrawlerService struct {
	mu         sync.Mutex
	crawler    *commoncrawl.CommonCrawl
	cfg        *config.CrawlerConfig
	log        *slog.Logger
	localCache *cache.Cache
}

func NewCrawlService(cfg *config.CrawlerConfig, log *slog.Logger) *CommonCrawlerService {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		log.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	return &CommonCrawlerService{
		crawler:    c,
		cfg:        cfg,
		log:        log,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // indexes update every month
	}
}

// ArchivedHTML returns the most recent archived 200 text/html capture of url found in the
// last configured crawl indexes.
func (c *CommonCrawlerService) ArchivedHTML(url string) (string, error) {
	crawler, err := c.client()
	if err != nil {
		return "", err
	}
	indexList, err := c.getIndexes(crawler)
	if err != nil {
		return "", err
	}
	requestCfg := common.RequestConfig{
		URL:     url,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	for i := 0; i < c.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		pages, _ := crawler.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(pages) == 0 {
			c.log.Debug("no archived pages in index.", slog.String("url", url), slog.String("index", indexList[i].Id))
			continue
		}
		resp, err := crawler.GetFile(pages[len(pages)-1]) // last one is the most recent
		if err != nil {
			c.log.Error("failed to get archived file.", slog.String("err", err.Error()))
			return "", err
		}
		body := string(resp)
		if html := extractHtml(&body); html != "" {
			c.log.Debug("archived copy found.", slog.String("url", url), slog.String("index", indexList[i].Id))
			return html, nil
		}
	}
	return "", ErrNoArchivedCopy
}

// client creates the commoncrawl client lazily, request limits may refuse it at startup.
func (c *CommonCrawlerService) client() (*commoncrawl.CommonCrawl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crawler != nil {
		return c.crawler, nil
	}
	c.log.Info("connection retry to common crawl.")
	crawler, err := commoncrawl.New(c.cfg.RequestTimeout, c.cfg.Retries)
	if err != nil {
		c.log.Error("failed to create common crawl client", slog.String("err", err.Error()))
		return nil, ErrUnavailable
	}
	c.crawler = crawler
	return crawler, nil
}

func (c *CommonCrawlerService) getIndexes(crawler *commoncrawl.CommonCrawl) ([]Index, error) {
	if i, ok := c.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, crawler.MaxTimeout, crawler.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	if err = jsoniter.Unmarshal(response, &indexes); err != nil {
		return nil, err
	}
	c.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

// extractHtml cuts the html document out of a WARC record.
func extractHtml(body *string) string {
	return htmlRe.FindString(*body)
}
