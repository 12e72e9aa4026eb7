package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

func newAPIAdapter(t *testing.T) *apiAdapter {
	t.Helper()
	res := testResources(t, testConfig(), "")
	t.Cleanup(res.Engines.Close)
	adapter, err := createAPIAdapter("tenant-a", res)
	require.NoError(t, err)
	return adapter.(*apiAdapter)
}

func apiParams(mutate func(*model.APIFetchParams)) *model.SourceParams {
	p := &model.APIFetchParams{}
	if mutate != nil {
		mutate(p)
	}
	return &model.SourceParams{APIFetch: p}
}

func TestAPIFetchNavigatesDataPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"articles":[
			{"id":1,"body":"first article text","title":"One"},
			{"id":2,"body":"second article text","title":"Two"}
		]}}`)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL + "/v1/articles"
		p.DataPath = "data.articles"
		p.ContentField = "body"
		p.TitleField = "title"
	}))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "first article text", docs[0].Content)
	require.Equal(t, "One", docs[0].Metadata["title"])
	require.Equal(t, float64(1), docs[0].Metadata["id"])
	require.Equal(t, 1, docs[0].Metadata["page_number"])
	require.Equal(t, "api-1", docs[0].DocumentID)
	require.NotContains(t, docs[0].Metadata, "body")
}

func TestAPIFetchFallsBackToJSONSerialization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"no content field here","value":42}]`)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
	}))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(docs[0].Content), &decoded))
	require.Equal(t, "no content field here", decoded["name"])
}

func TestAPIFetchBadDataPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"articles":"not an array"}}`)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	_, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.DataPath = "data.articles"
	}))
	require.Error(t, err)
	require.True(t, appErr.IsValidation(err))
}

func TestAPIFetchLinkHeaderPaginationTerminates(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/items?page=2>; rel="next", <%s/items?page=9>; rel="last"`, server.URL, server.URL))
			fmt.Fprint(w, `[{"id":"a","content":"page one item"}]`)
		case "2":
			// Last page: no rel="next".
			w.Header().Set("Link", fmt.Sprintf(`<%s/items?page=1>; rel="prev"`, server.URL))
			fmt.Fprint(w, `[{"id":"b","content":"page two item"}]`)
		default:
			t.Errorf("unexpected page fetch: %s", page)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL + "/items"
		p.ContentField = "content"
		p.Pagination = "link_header"
		p.MaxPages = 10
	}))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, 1, docs[0].Metadata["page_number"])
	require.Equal(t, 2, docs[1].Metadata["page_number"])
}

func TestAPIFetchJSONPathPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			fmt.Fprintf(w, `{"items":[{"id":"a","content":"one"}],"pagination":{"next":"%s/more"}}`, server.URL)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"b","content":"two"}],"pagination":{}}`)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL + "/start"
		p.DataPath = "items"
		p.ContentField = "content"
		p.Pagination = "json_path"
		p.NextPagePath = "pagination.next"
		p.MaxPages = 5
	}))
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestAPIFetchOffsetPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		limit := r.URL.Query().Get("limit")
		require.Equal(t, "2", limit)
		switch offset {
		case "0":
			fmt.Fprint(w, `[{"id":"a","content":"one"},{"id":"b","content":"two"}]`)
		case "2":
			fmt.Fprint(w, `[{"id":"c","content":"three"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.ContentField = "content"
		p.Pagination = "offset"
		p.PageLimit = 2
		p.MaxPages = 10
	}))
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

func TestAPIFetchXMLItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss><channel>
			<item><title>First</title><description>first description</description></item>
			<item><title>Second</title><description>second description</description></item>
		</channel></rss>`)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t)
	docs, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.ResponseFormat = "xml"
		p.XMLItemTag = "item"
		p.ContentField = "description"
	}))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "first description", docs[0].Content)
	require.Equal(t, "First", docs[0].Metadata["title"])
}

func TestAPIFetchAuthHeaders(t *testing.T) {
	var gotAuth, gotKey, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		gotCustom = r.Header.Get("X-Team")
		fmt.Fprint(w, `[{"id":"a","content":"ok"}]`)
	}))
	defer server.Close()
	adapter := newAPIAdapter(t)

	_, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.ContentField = "content"
		p.Auth = model.APIAuth{Type: "bearer", Token: "tok-123"}
	}))
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)

	_, err = adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.ContentField = "content"
		p.Auth = model.APIAuth{Type: "api_key", APIKey: "key-9"}
	}))
	require.NoError(t, err)
	require.Equal(t, "key-9", gotKey)

	_, err = adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
		p.ContentField = "content"
		p.Auth = model.APIAuth{Type: "custom_headers", Headers: map[string]string{"X-Team": "ingest"}}
	}))
	require.NoError(t, err)
	require.Equal(t, "ingest", gotCustom)
}

func TestAPIFetchValidation(t *testing.T) {
	adapter := newAPIAdapter(t)
	cases := []*model.SourceParams{
		apiParams(nil),
		apiParams(func(p *model.APIFetchParams) { p.APIURL = "not a url" }),
		apiParams(func(p *model.APIFetchParams) { p.APIURL = "https://ok.test"; p.Method = "TRACE" }),
		apiParams(func(p *model.APIFetchParams) { p.APIURL = "https://ok.test"; p.Auth.Type = "kerberos" }),
		apiParams(func(p *model.APIFetchParams) { p.APIURL = "https://ok.test"; p.ResponseFormat = "xml" }),
		apiParams(func(p *model.APIFetchParams) { p.APIURL = "https://ok.test"; p.Pagination = "json_path" }),
	}
	for i, params := range cases {
		err := adapter.Validate(params)
		require.Error(t, err, "case %d", i)
		require.True(t, appErr.IsValidation(err), "case %d", i)
	}
}

func TestAPIFetch404IsNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	adapter := newAPIAdapter(t)
	_, err := adapter.Fetch(context.Background(), apiParams(func(p *model.APIFetchParams) {
		p.APIURL = server.URL
	}))
	require.Error(t, err)
	require.True(t, appErr.IsNotFound(err))
}
