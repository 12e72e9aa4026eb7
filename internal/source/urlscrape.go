package source

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/hashutil"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

const (
	scrapeMaxPages     = 100
	scrapeDefaultPages = 10
)

func init() {
	Register(model.SourceURLScrape, createScrapeAdapter)
}

type scrapeAdapter struct {
	tenantID      string
	userAgent     string
	respectRobots bool
	maxBodySize   int64
	rateDelay     time.Duration
	client        *http.Client
	limiter       *ratelimit.Limiter
	retry         *retry.Executor
	robotsCache   *expirable.LRU[string, *robotstxt.RobotsData]
}

func createScrapeAdapter(tenantID string, res *Resources) (Adapter, error) {
	cfg := res.Cfg.Sources.URLScrape
	respect := true
	if cfg.RespectRobots != nil {
		respect = *cfg.RespectRobots
	}
	return &scrapeAdapter{
		tenantID:      tenantID,
		userAgent:     cfg.UserAgent,
		respectRobots: respect,
		maxBodySize:   cfg.MaxBodySize,
		rateDelay:     time.Duration(res.Cfg.RateLimit.URLScrape * float64(time.Second)),
		client:        newHTTPClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
		limiter:       res.Limiter,
		retry:         res.Retry,
		robotsCache:   expirable.NewLRU[string, *robotstxt.RobotsData](128, nil, time.Hour),
	}, nil
}

func (a *scrapeAdapter) Source() model.Source {
	return model.SourceURLScrape
}

func (a *scrapeAdapter) SupportedFormats() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (a *scrapeAdapter) Validate(params *model.SourceParams) error {
	p := params.URLScrape
	if p == nil || (p.URL == "" && p.SitemapURL == "") {
		return appErr.Wrapf(appErr.ErrValidation, "must provide either url or sitemap_url")
	}
	if p.URL != "" && p.SitemapURL != "" {
		return appErr.Wrapf(appErr.ErrValidation, "provide only one of url or sitemap_url")
	}
	for _, target := range []string{p.URL, p.SitemapURL} {
		if target == "" {
			continue
		}
		parsed, err := url.Parse(target)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return appErr.Wrapf(appErr.ErrValidation, "invalid url %q", target)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return appErr.Wrapf(appErr.ErrValidation, "unsupported scheme %q", parsed.Scheme)
		}
	}
	if p.MaxPages < 0 || p.MaxPages > scrapeMaxPages {
		return appErr.Wrapf(appErr.ErrValidation, "max_pages must be between 1 and %d", scrapeMaxPages)
	}
	return nil
}

func (a *scrapeAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	p := params.URLScrape
	logger := logutil.GetLogger(ctx)

	if p.URL != "" {
		allowed, err := a.robotsAllowed(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, appErr.Wrapf(appErr.ErrForbidden, "url %s is disallowed by robots.txt", p.URL)
		}
		doc, err := a.scrapePage(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		return []*model.RawDocument{doc}, nil
	}

	maxPages := p.MaxPages
	if maxPages == 0 {
		maxPages = scrapeDefaultPages
	}
	urls, err := a.expandSitemap(ctx, p.SitemapURL, maxPages)
	if err != nil {
		return nil, err
	}
	logger.Info("sitemap expanded",
		zap.String("sitemap_url", p.SitemapURL),
		zap.Int("url_count", len(urls)),
	)

	var documents []*model.RawDocument
	for _, target := range urls {
		if err := ctx.Err(); err != nil {
			return nil, appErr.WrapErr(appErr.ErrCancelled, "scrape aborted", err)
		}
		allowed, err := a.robotsAllowed(ctx, target)
		if err != nil {
			return nil, err
		}
		if !allowed {
			logger.Info("skipping robots-disallowed url", zap.String("url", target))
			continue
		}
		doc, err := a.scrapePage(ctx, target)
		if err != nil {
			logger.Warn("page scrape failed, skipping",
				zap.String("url", target),
				zap.Error(err),
			)
			continue
		}
		documents = append(documents, doc)
	}
	if len(documents) == 0 {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "no pages could be scraped from %s", p.SitemapURL)
	}
	ensureUniqueIDs(documents)
	return documents, nil
}

// robotsAllowed checks target against its host's robots.txt for the
// configured user agent. An unfetchable robots.txt allows everything.
func (a *scrapeAdapter) robotsAllowed(ctx context.Context, target string) (bool, error) {
	if !a.respectRobots {
		return true, nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return false, appErr.WrapErr(appErr.ErrValidation, "invalid url", err)
	}
	host := parsed.Host
	robots, ok := a.robotsCache.Get(host)
	if !ok {
		robots = a.fetchRobots(ctx, parsed)
		a.robotsCache.Add(host, robots)
	}
	if robots == nil {
		return true, nil
	}
	return robots.TestAgent(parsed.Path, a.userAgent), nil
}

func (a *scrapeAdapter) fetchRobots(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	logger := logutil.GetLogger(ctx)
	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	if err := a.limiter.Wait(ctx, rateKeyFor(target.Host, a.rateDelay, a.limiter)); err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", a.userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		logger.Debug("robots.txt unreachable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		logger.Debug("robots.txt unparsable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	return robots
}

type sitemapURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// expandSitemap resolves a sitemap or sitemap index into leaf page URLs,
// deduplicated and capped globally at maxPages.
func (a *scrapeAdapter) expandSitemap(ctx context.Context, sitemapURL string, maxPages int) ([]string, error) {
	var urls []string
	seen := make(map[string]struct{})
	var walk func(target string, depth int) error
	walk = func(target string, depth int) error {
		if len(urls) >= maxPages {
			return nil
		}
		if depth > 3 {
			return nil
		}
		body, err := a.fetchBody(ctx, target, "")
		if err != nil {
			return err
		}
		var index sitemapIndex
		if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
			for _, child := range index.Sitemaps {
				if len(urls) >= maxPages {
					break
				}
				loc := strings.TrimSpace(child.Loc)
				if loc == "" {
					continue
				}
				if err := walk(loc, depth+1); err != nil {
					return err
				}
			}
			return nil
		}
		var set sitemapURLSet
		if err := xml.Unmarshal(body, &set); err != nil {
			return appErr.WrapErr(appErr.ErrValidation, "malformed sitemap", err)
		}
		for _, entry := range set.URLs {
			if len(urls) >= maxPages {
				break
			}
			loc := strings.TrimSpace(entry.Loc)
			if loc == "" {
				continue
			}
			if _, ok := seen[loc]; ok {
				continue
			}
			seen[loc] = struct{}{}
			urls = append(urls, loc)
		}
		return nil
	}
	if err := walk(sitemapURL, 0); err != nil {
		return nil, err
	}
	return urls, nil
}

// scrapePage fetches one URL and extracts its main content and metadata.
func (a *scrapeAdapter) scrapePage(ctx context.Context, target string) (*model.RawDocument, error) {
	body, err := a.fetchBody(ctx, target, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "malformed html", err)
	}
	content := extract.MainContent(doc)
	meta := extract.PageMetadata(doc)
	meta["url"] = target

	return newRawDocument(a.tenantID, "url-"+hashutil.ContentID(target), content, meta, model.SourceURLScrape), nil
}

// fetchBody performs one rate-limited, retried GET. A non-empty wantType
// rejects responses whose Content-Type does not contain it.
func (a *scrapeAdapter) fetchBody(ctx context.Context, target, wantType string) ([]byte, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "invalid url", err)
	}
	key := rateKeyFor(parsed.Host, a.rateDelay, a.limiter)
	var body []byte
	err = a.retry.Do(ctx, func() error {
		if err := a.limiter.Wait(ctx, key); err != nil {
			return appErr.WrapErr(appErr.ErrCancelled, "rate limit wait aborted", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return appErr.WrapErr(appErr.ErrValidation, "build request", err)
		}
		req.Header.Set("User-Agent", a.userAgent)
		resp, err := a.client.Do(req)
		if err != nil {
			return classifyNetErr(err, "fetch "+target)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, target); err != nil {
			return err
		}
		if wantType != "" {
			contentType := resp.Header.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, wantType) {
				return appErr.Wrapf(appErr.ErrValidation,
					"unexpected content type %q for %s", contentType, target)
			}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBodySize+1))
		if err != nil {
			return classifyNetErr(err, "read "+target)
		}
		if int64(len(data)) > a.maxBodySize {
			return appErr.Wrapf(appErr.ErrSizeExceeded,
				"response body for %s exceeds cap of %d bytes", target, a.maxBodySize)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (a *scrapeAdapter) HealthCheck(ctx context.Context) bool {
	return a.client != nil
}

// rateKeyFor registers the per-host delay on first use and returns the key.
func rateKeyFor(host string, delay time.Duration, limiter *ratelimit.Limiter) string {
	limiter.SetDelay(host, delay)
	return host
}
