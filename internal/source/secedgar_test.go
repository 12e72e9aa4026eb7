package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

const appleCIK = "0000320193"

func secParams(mutate func(*model.SECEdgarParams)) *model.SourceParams {
	p := &model.SECEdgarParams{}
	if mutate != nil {
		mutate(p)
	}
	return &model.SourceParams{SECEdgar: p}
}

type edgarStub struct {
	mu     sync.Mutex
	hits   []time.Time
	status map[string]int
}

func (e *edgarStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.hits = append(e.hits, time.Now())
		e.mu.Unlock()
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		if code, ok := e.status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		switch r.URL.Path {
		case "/files/company_tickers.json":
			fmt.Fprint(w, `{"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."},
				"1":{"cik_str":789019,"ticker":"MSFT","title":"Microsoft Corp"}}`)
		case "/submissions/CIK0000320193.json":
			fmt.Fprint(w, `{"name":"Apple Inc.","cik":"320193","filings":{"recent":{
				"accessionNumber":["0000320193-26-000001","0000320193-25-000123","0000320193-25-000050"],
				"form":["8-K","10-K","10-Q"],
				"filingDate":["2026-07-01","2025-11-01","2025-08-01"],
				"primaryDocument":["a8k.htm","aapl-10k.htm","aapl-10q.htm"]}}}`)
		case "/Archives/edgar/data/320193/000032019325000123/aapl-10k.htm":
			fmt.Fprint(w, `<html><body><h1>FORM 10-K</h1><p>Annual report of Apple Inc.</p><script>x()</script></body></html>`)
		case "/Archives/edgar/data/320193/000032019326000001/a8k.htm":
			fmt.Fprint(w, `<html><body><p>Current report.</p></body></html>`)
		case "/Archives/edgar/data/320193/000032019325000050/aapl-10q.htm":
			fmt.Fprint(w, `<html><body><p>Quarterly report.</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}
}

func newSECAdapter(t *testing.T, server *httptest.Server, rateSeconds float64) *secAdapter {
	t.Helper()
	cfg := testConfig()
	if rateSeconds > 0 {
		cfg.RateLimit.SECEdgar = rateSeconds
	}
	res := testResources(t, cfg, "")
	t.Cleanup(res.Engines.Close)
	adapter, err := createSECAdapter("tenant-a", res)
	require.NoError(t, err)
	sec := adapter.(*secAdapter)
	if server != nil {
		sec.baseURL = server.URL
		sec.tickerMapURL = server.URL + "/files/company_tickers.json"
		sec.submissionsFmt = server.URL + "/submissions/CIK%s.json"
		sec.archivesFmt = server.URL + "/Archives/edgar/data/%s/%s/%s"
	}
	return sec
}

func TestSECValidateRequiresContactInUserAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Sources.SECEdgar.UserAgent = "AnonymousBot/1.0"
	res := testResources(t, cfg, "")
	t.Cleanup(res.Engines.Close)
	adapter, err := createSECAdapter("tenant-a", res)
	require.NoError(t, err)

	err = adapter.Validate(secParams(func(p *model.SECEdgarParams) { p.Ticker = "AAPL" }))
	require.Error(t, err)
	require.True(t, appErr.IsValidation(err))
}

func TestSECValidateTickerOrCIK(t *testing.T) {
	adapter := newSECAdapter(t, nil, 0)
	require.Error(t, adapter.Validate(secParams(nil)))
	require.Error(t, adapter.Validate(secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "AAPL"
		p.CIK = appleCIK
	})))
	require.Error(t, adapter.Validate(secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "AAPL"
		p.Count = 11
	})))
	require.NoError(t, adapter.Validate(secParams(func(p *model.SECEdgarParams) { p.CIK = "320193" })))
}

func TestSECFetchByTickerResolvesCIK(t *testing.T) {
	stub := &edgarStub{}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()
	adapter := newSECAdapter(t, server, 0)

	docs, err := adapter.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "AAPL"
		p.FormType = "10-K"
		p.Count = 1
	}))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	require.Equal(t, appleCIK, doc.Metadata["cik"])
	require.Equal(t, "10-K", doc.Metadata["form_type"])
	require.Equal(t, "Apple Inc.", doc.Metadata["company_name"])
	require.Equal(t, "2025-11-01", doc.Metadata["filing_date"])
	require.Equal(t, "0000320193-25-000123", doc.Metadata["accession_number"])
	require.Contains(t, doc.Content, "Annual report of Apple Inc.")
	require.NotContains(t, doc.Content, "x()")
	require.Equal(t, "sec_edgar", doc.Metadata["source"])
}

func TestSECFetchUnknownTicker(t *testing.T) {
	stub := &edgarStub{}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()
	adapter := newSECAdapter(t, server, 0)

	_, err := adapter.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "ZZZZ"
	}))
	require.Error(t, err)
	require.True(t, appErr.IsNotFound(err))
}

func TestSECFetchFiltersFormTypeAndCount(t *testing.T) {
	stub := &edgarStub{}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()
	adapter := newSECAdapter(t, server, 0)

	docs, err := adapter.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.CIK = "320193"
		p.Count = 3
	}))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "8-K", docs[0].Metadata["form_type"])
}

func TestSECRequestsAreSpaced(t *testing.T) {
	stub := &edgarStub{}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()
	adapter := newSECAdapter(t, server, 0.05)

	_, err := adapter.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "AAPL"
		p.FormType = "10-K"
	}))
	require.NoError(t, err)

	stub.mu.Lock()
	hits := append([]time.Time(nil), stub.hits...)
	stub.mu.Unlock()
	require.GreaterOrEqual(t, len(hits), 3)
	for i := 1; i < len(hits); i++ {
		require.GreaterOrEqual(t, hits[i].Sub(hits[i-1]), 40*time.Millisecond)
	}
}

func TestSECRetriesTransientFailures(t *testing.T) {
	// The ticker-map fetch gets a 503 twice, then the stub recovers.
	stub := &edgarStub{}
	inner := stub.handler(t)
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/files/company_tickers.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	})
	mux.HandleFunc("/", inner)
	server := httptest.NewServer(mux)
	defer server.Close()
	adapter := newSECAdapter(t, server, 0)

	docs, err := adapter.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.Ticker = "AAPL"
		p.FormType = "10-K"
	}))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 3, calls)
}

func TestSECFilingSizeCap(t *testing.T) {
	stub := &edgarStub{}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	cfg := testConfig()
	cfg.Sources.SECEdgar.MaxFilingSize = 10
	res := testResources(t, cfg, "")
	t.Cleanup(res.Engines.Close)
	adapter, err := createSECAdapter("tenant-a", res)
	require.NoError(t, err)
	sec := adapter.(*secAdapter)
	sec.baseURL = server.URL
	sec.tickerMapURL = server.URL + "/files/company_tickers.json"
	sec.submissionsFmt = server.URL + "/submissions/CIK%s.json"
	sec.archivesFmt = server.URL + "/Archives/edgar/data/%s/%s/%s"

	_, err = sec.Fetch(context.Background(), secParams(func(p *model.SECEdgarParams) {
		p.CIK = "320193"
		p.FormType = "10-K"
	}))
	require.Error(t, err)
	require.True(t, appErr.IsSizeExceeded(err))
}

func TestPadCIK(t *testing.T) {
	require.Equal(t, appleCIK, padCIK("320193"))
	require.Equal(t, appleCIK, padCIK(appleCIK))
}
