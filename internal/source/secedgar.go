package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

const (
	secRateKey        = "sec.gov"
	secBaseURL        = "https://www.sec.gov"
	secTickerMapURL   = secBaseURL + "/files/company_tickers.json"
	secSubmissionsURL = "https://data.sec.gov/submissions/CIK%s.json"
	secArchivesURL    = secBaseURL + "/Archives/edgar/data/%s/%s/%s"

	secMaxCount = 10

	// secIndexMaxSize bounds ticker-map and submissions-index reads; the
	// configured filing cap applies only to filing documents.
	secIndexMaxSize = 64 * 1024 * 1024
)

var secSupportedForms = []string{
	"10-K", "10-Q", "8-K",
	"DEF 14A", "S-1", "S-3",
	"13F-HR", "13D", "13G",
	"4", "3", "5",
	"20-F", "6-K",
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	schemePattern = regexp.MustCompile(`https?://\S+`)
)

func init() {
	Register(model.SourceSECEdgar, createSECAdapter)
}

type secAdapter struct {
	tenantID      string
	userAgent     string
	maxFilingSize int64
	client        *http.Client
	limiter       *ratelimit.Limiter
	retry         *retry.Executor
	tickerCache   *expirable.LRU[string, map[string]string]

	baseURL        string
	tickerMapURL   string
	submissionsFmt string
	archivesFmt    string
}

func createSECAdapter(tenantID string, res *Resources) (Adapter, error) {
	cfg := res.Cfg.Sources.SECEdgar
	res.Limiter.SetDelay(secRateKey, time.Duration(res.Cfg.RateLimit.SECEdgar*float64(time.Second)))
	return &secAdapter{
		tenantID:      tenantID,
		userAgent:     cfg.UserAgent,
		maxFilingSize: cfg.MaxFilingSize,
		client:        newHTTPClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
		limiter:       res.Limiter,
		retry:         res.Retry,
		tickerCache:   expirable.NewLRU[string, map[string]string](1, nil, 24*time.Hour),

		baseURL:        secBaseURL,
		tickerMapURL:   secTickerMapURL,
		submissionsFmt: secSubmissionsURL,
		archivesFmt:    secArchivesURL,
	}, nil
}

func (a *secAdapter) Source() model.Source {
	return model.SourceSECEdgar
}

func (a *secAdapter) SupportedFormats() []string {
	return secSupportedForms
}

func (a *secAdapter) Validate(params *model.SourceParams) error {
	if !emailPattern.MatchString(a.userAgent) && !schemePattern.MatchString(a.userAgent) {
		return appErr.Wrapf(appErr.ErrValidation,
			"sec_edgar user agent must include contact information (email or website), got %q", a.userAgent)
	}
	p := params.SECEdgar
	if p == nil || (p.Ticker == "" && p.CIK == "") {
		return appErr.Wrapf(appErr.ErrValidation, "must provide either ticker or cik")
	}
	if p.Ticker != "" && p.CIK != "" {
		return appErr.Wrapf(appErr.ErrValidation, "provide only one of ticker or cik")
	}
	if p.Count < 0 || p.Count > secMaxCount {
		return appErr.Wrapf(appErr.ErrValidation, "count must be between 1 and %d", secMaxCount)
	}
	return nil
}

func (a *secAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	p := params.SECEdgar
	count := p.Count
	if count == 0 {
		count = 1
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("ticker", p.Ticker),
		zap.String("cik", p.CIK),
		zap.String("form_type", p.FormType),
	)

	cik := p.CIK
	if cik == "" {
		resolved, err := a.resolveTicker(ctx, p.Ticker)
		if err != nil {
			return nil, err
		}
		cik = resolved
		logger.Info("resolved ticker", zap.String("resolved_cik", cik))
	}
	cik = padCIK(cik)

	index, err := a.fetchSubmissions(ctx, cik)
	if err != nil {
		return nil, err
	}
	filings := index.filings(p.FormType, count)
	if len(filings) == 0 {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "no filings found for CIK %s form %q", cik, p.FormType)
	}

	documents := make([]*model.RawDocument, 0, len(filings))
	for i, filing := range filings {
		logger.Info("fetching filing",
			zap.Int("filing_index", i+1),
			zap.Int("total_filings", len(filings)),
			zap.String("accession_number", filing.accession),
		)
		content, filingURL, err := a.fetchFilingContent(ctx, cik, filing)
		if err != nil {
			return nil, err
		}
		meta := map[string]interface{}{
			"company_name":     index.Name,
			"cik":              cik,
			"form_type":        filing.form,
			"filing_date":      filing.date,
			"accession_number": filing.accession,
			"filing_url":       filingURL,
		}
		docID := "sec-" + strings.ReplaceAll(filing.accession, "-", "")
		documents = append(documents, newRawDocument(a.tenantID, docID, content, meta, model.SourceSECEdgar))
	}
	ensureUniqueIDs(documents)
	return documents, nil
}

// resolveTicker maps a ticker symbol to its zero-padded CIK using the
// published company_tickers.json mapping. The whole mapping is cached.
func (a *secAdapter) resolveTicker(ctx context.Context, ticker string) (string, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	mapping, ok := a.tickerCache.Get("tickers")
	if !ok {
		body, err := a.get(ctx, a.tickerMapURL, secIndexMaxSize)
		if err != nil {
			return "", err
		}
		var entries map[string]struct {
			CIK    int64  `json:"cik_str"`
			Ticker string `json:"ticker"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(body, &entries); err != nil {
			return "", appErr.WrapErr(appErr.ErrTransient, "malformed ticker mapping", err)
		}
		mapping = make(map[string]string, len(entries))
		for _, entry := range entries {
			mapping[strings.ToUpper(entry.Ticker)] = fmt.Sprintf("%010d", entry.CIK)
		}
		a.tickerCache.Add("tickers", mapping)
	}
	cik, ok := mapping[ticker]
	if !ok {
		return "", appErr.Wrapf(appErr.ErrNotFound, "ticker %q not found in SEC EDGAR", ticker)
	}
	return cik, nil
}

type secFiling struct {
	accession  string
	form       string
	date       string
	primaryDoc string
}

type secSubmissions struct {
	Name    string `json:"name"`
	CIK     string `json:"cik"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

func (s *secSubmissions) filings(formType string, count int) []secFiling {
	recent := s.Filings.Recent
	var out []secFiling
	for i := range recent.AccessionNumber {
		if len(out) >= count {
			break
		}
		form := at(recent.Form, i)
		if formType != "" && !strings.EqualFold(form, formType) {
			continue
		}
		primary := at(recent.PrimaryDocument, i)
		if primary == "" {
			continue
		}
		out = append(out, secFiling{
			accession:  recent.AccessionNumber[i],
			form:       form,
			date:       at(recent.FilingDate, i),
			primaryDoc: primary,
		})
	}
	return out
}

func at(items []string, i int) string {
	if i < len(items) {
		return items[i]
	}
	return ""
}

func (a *secAdapter) fetchSubmissions(ctx context.Context, cik string) (*secSubmissions, error) {
	body, err := a.get(ctx, fmt.Sprintf(a.submissionsFmt, cik), secIndexMaxSize)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, appErr.Wrapf(appErr.ErrNotFound, "no submissions index for CIK %s", cik)
		}
		return nil, err
	}
	index := &secSubmissions{}
	if err := json.Unmarshal(body, index); err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "malformed submissions index", err)
	}
	return index, nil
}

func (a *secAdapter) fetchFilingContent(ctx context.Context, cik string, filing secFiling) (string, string, error) {
	filingURL := fmt.Sprintf(a.archivesFmt,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(filing.accession, "-", ""),
		filing.primaryDoc,
	)
	body, err := a.get(ctx, filingURL, a.maxFilingSize)
	if err != nil {
		return "", "", err
	}
	if int64(len(body)) > a.maxFilingSize {
		return "", "", appErr.Wrapf(appErr.ErrSizeExceeded,
			"filing is %d bytes, cap is %d", len(body), a.maxFilingSize)
	}
	return extract.StripTags(string(body)), filingURL, nil
}

// get performs one rate-limited, retried SEC request, reading at most
// maxBytes+1 so callers can detect an exceeded cap.
func (a *secAdapter) get(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	var body []byte
	err := a.retry.Do(ctx, func() error {
		if err := a.limiter.Wait(ctx, secRateKey); err != nil {
			return appErr.WrapErr(appErr.ErrCancelled, "rate limit wait aborted", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return appErr.WrapErr(appErr.ErrValidation, "build request", err)
		}
		req.Header.Set("User-Agent", a.userAgent)
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		resp, err := a.client.Do(req)
		if err != nil {
			return classifyNetErr(err, "sec request")
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, url); err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
		if err != nil {
			return classifyNetErr(err, "read sec response")
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (a *secAdapter) HealthCheck(ctx context.Context) bool {
	if err := a.limiter.Wait(ctx, secRateKey); err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", a.userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func padCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}
