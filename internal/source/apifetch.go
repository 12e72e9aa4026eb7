package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/hashutil"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

const apiMaxBodySize = 50 * 1024 * 1024

func init() {
	Register(model.SourceAPIFetch, createAPIAdapter)
}

type apiAdapter struct {
	tenantID  string
	rateDelay time.Duration
	client    *http.Client
	limiter   *ratelimit.Limiter
	retry     *retry.Executor
}

func createAPIAdapter(tenantID string, res *Resources) (Adapter, error) {
	cfg := res.Cfg.Sources.APIFetch
	client := newHTTPClient(time.Duration(cfg.TimeoutSeconds) * time.Second)
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &apiAdapter{
		tenantID:  tenantID,
		rateDelay: time.Duration(res.Cfg.RateLimit.APIFetch * float64(time.Second)),
		client:    client,
		limiter:   res.Limiter,
		retry:     res.Retry,
	}, nil
}

func (a *apiAdapter) Source() model.Source {
	return model.SourceAPIFetch
}

func (a *apiAdapter) SupportedFormats() []string {
	return []string{"json", "xml"}
}

func (a *apiAdapter) Validate(params *model.SourceParams) error {
	p := params.APIFetch
	if p == nil || p.APIURL == "" {
		return appErr.Wrapf(appErr.ErrValidation, "api_url is required")
	}
	parsed, err := url.Parse(p.APIURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return appErr.Wrapf(appErr.ErrValidation, "invalid api_url %q", p.APIURL)
	}
	switch strings.ToUpper(p.Method) {
	case "", http.MethodGet, http.MethodPost:
	default:
		return appErr.Wrapf(appErr.ErrValidation, "unsupported method %q", p.Method)
	}
	switch p.Auth.Type {
	case "", "none", "api_key", "bearer", "basic", "custom_headers":
	default:
		return appErr.Wrapf(appErr.ErrValidation, "unsupported auth type %q", p.Auth.Type)
	}
	switch p.ResponseFormat {
	case "", "json", "xml":
	default:
		return appErr.Wrapf(appErr.ErrValidation, "response_format must be json or xml")
	}
	if p.ResponseFormat == "xml" && p.XMLItemTag == "" {
		return appErr.Wrapf(appErr.ErrValidation, "xml_item_tag is required for xml responses")
	}
	switch p.Pagination {
	case "", "none", "link_header", "json_path", "offset":
	default:
		return appErr.Wrapf(appErr.ErrValidation, "unsupported pagination %q", p.Pagination)
	}
	if p.Pagination == "json_path" && p.NextPagePath == "" {
		return appErr.Wrapf(appErr.ErrValidation, "next_page_path is required for json_path pagination")
	}
	if p.MaxPages < 0 {
		return appErr.Wrapf(appErr.ErrValidation, "max_pages must be positive")
	}
	return nil
}

func (a *apiAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	p := params.APIFetch
	logger := logutil.GetLogger(ctx).With(zap.String("api_url", p.APIURL))

	maxPages := p.MaxPages
	if maxPages == 0 {
		maxPages = 1
	}
	offset := 0
	pageLimit := p.PageLimit
	if pageLimit == 0 {
		pageLimit = 100
	}

	var documents []*model.RawDocument
	pageURL := p.APIURL
	for page := 1; page <= maxPages && pageURL != ""; page++ {
		if err := ctx.Err(); err != nil {
			return nil, appErr.WrapErr(appErr.ErrCancelled, "api fetch aborted", err)
		}
		requestURL := pageURL
		if p.Pagination == "offset" {
			withOffset, err := applyOffset(pageURL, p, offset, pageLimit)
			if err != nil {
				return nil, err
			}
			requestURL = withOffset
		}
		body, headers, err := a.request(ctx, requestURL, p)
		if err != nil {
			return nil, err
		}

		var items []map[string]interface{}
		if p.ResponseFormat == "xml" {
			items, err = parseXMLItems(body, p.XMLItemTag)
		} else {
			items, err = parseJSONItems(body, p.DataPath)
		}
		if err != nil {
			return nil, err
		}
		logger.Info("api page fetched",
			zap.Int("page_number", page),
			zap.Int("item_count", len(items)),
		)
		for _, item := range items {
			documents = append(documents, a.itemToDocument(item, p, page))
		}

		switch p.Pagination {
		case "link_header":
			pageURL = nextFromLinkHeader(headers.Get("Link"))
		case "json_path":
			next, _ := navigatePath(decodeJSON(body), p.NextPagePath).(string)
			pageURL = next
		case "offset":
			if len(items) < pageLimit {
				pageURL = ""
			} else {
				offset += pageLimit
			}
		default:
			pageURL = ""
		}
	}
	if len(documents) == 0 {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "api returned no items")
	}
	ensureUniqueIDs(documents)
	return documents, nil
}

func (a *apiAdapter) itemToDocument(item map[string]interface{}, p *model.APIFetchParams, page int) *model.RawDocument {
	var content string
	meta := map[string]interface{}{}
	contentField := p.ContentField
	if contentField != "" {
		if v, ok := item[contentField]; ok {
			content = toString(v)
		}
	}
	if content == "" {
		data, _ := json.Marshal(item)
		content = string(data)
	}
	for k, v := range item {
		if k == contentField {
			continue
		}
		meta[k] = v
	}
	if p.TitleField != "" {
		if v, ok := item[p.TitleField]; ok {
			meta["title"] = toString(v)
		}
	}
	meta["api_url"] = p.APIURL
	meta["page_number"] = page

	docID := ""
	if v, ok := item["id"]; ok {
		docID = "api-" + toString(v)
	} else {
		docID = "api-" + hashutil.RowID(item)
	}
	return newRawDocument(a.tenantID, docID, content, meta, model.SourceAPIFetch)
}

// request performs one rate-limited, retried call and returns body and
// response headers.
func (a *apiAdapter) request(ctx context.Context, requestURL string, p *model.APIFetchParams) ([]byte, http.Header, error) {
	parsed, err := url.Parse(requestURL)
	if err != nil {
		return nil, nil, appErr.WrapErr(appErr.ErrValidation, "invalid page url", err)
	}
	key := rateKeyFor(parsed.Host, a.rateDelay, a.limiter)

	var body []byte
	var headers http.Header
	err = a.retry.Do(ctx, func() error {
		if err := a.limiter.Wait(ctx, key); err != nil {
			return appErr.WrapErr(appErr.ErrCancelled, "rate limit wait aborted", err)
		}
		req, err := a.buildRequest(ctx, requestURL, p)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return classifyNetErr(err, "api request")
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, requestURL); err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, apiMaxBodySize))
		if err != nil {
			return classifyNetErr(err, "read api response")
		}
		body = data
		headers = resp.Header
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, headers, nil
}

func (a *apiAdapter) buildRequest(ctx context.Context, requestURL string, p *model.APIFetchParams) (*http.Request, error) {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if len(p.Body) > 0 {
		bodyReader = bytes.NewReader(p.Body)
	}
	target := requestURL
	if len(p.QueryParams) > 0 {
		parsed, err := url.Parse(requestURL)
		if err != nil {
			return nil, appErr.WrapErr(appErr.ErrValidation, "invalid api_url", err)
		}
		q := parsed.Query()
		for k, v := range p.QueryParams {
			if q.Get(k) == "" {
				q.Set(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
		target = parsed.String()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "build request", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, application/xml")

	switch p.Auth.Type {
	case "api_key":
		header := p.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, p.Auth.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+p.Auth.Token)
	case "basic":
		req.SetBasicAuth(p.Auth.User, p.Auth.Pass)
	case "custom_headers":
		for k, v := range p.Auth.Headers {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func applyOffset(pageURL string, p *model.APIFetchParams, offset, limit int) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", appErr.WrapErr(appErr.ErrValidation, "invalid api_url", err)
	}
	offsetParam := p.OffsetParam
	if offsetParam == "" {
		offsetParam = "offset"
	}
	limitParam := p.LimitParam
	if limitParam == "" {
		limitParam = "limit"
	}
	q := parsed.Query()
	q.Set(offsetParam, strconv.Itoa(offset))
	q.Set(limitParam, strconv.Itoa(limit))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func decodeJSON(body []byte) interface{} {
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return nil
	}
	return value
}

// navigatePath walks a dotted path ("data.items") through nested maps.
func navigatePath(value interface{}, path string) interface{} {
	if path == "" {
		return value
	}
	current := value
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

func parseJSONItems(body []byte, dataPath string) ([]map[string]interface{}, error) {
	value := decodeJSON(body)
	if value == nil {
		return nil, appErr.Wrapf(appErr.ErrValidation, "malformed json response")
	}
	target := navigatePath(value, dataPath)
	list, ok := target.([]interface{})
	if !ok {
		return nil, appErr.Wrapf(appErr.ErrValidation, "data_path %q does not resolve to an array", dataPath)
	}
	items := make([]map[string]interface{}, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]interface{}); ok {
			items = append(items, m)
			continue
		}
		items = append(items, map[string]interface{}{"value": entry})
	}
	return items, nil
}

// parseXMLItems collects every element named itemTag and flattens its child
// elements into a map.
func parseXMLItems(body []byte, itemTag string) ([]map[string]interface{}, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var items []map[string]interface{}
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, appErr.WrapErr(appErr.ErrValidation, "malformed xml response", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != itemTag {
			continue
		}
		item, err := decodeXMLItem(decoder, start)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeXMLItem(decoder *xml.Decoder, start xml.StartElement) (map[string]interface{}, error) {
	item := map[string]interface{}{}
	var field string
	var text strings.Builder
	depth := 1
	for depth > 0 {
		token, err := decoder.Token()
		if err != nil {
			return nil, appErr.WrapErr(appErr.ErrValidation, "malformed xml item", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			field = t.Name.Local
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			depth--
			if depth > 0 && field != "" {
				value := strings.TrimSpace(text.String())
				if value != "" {
					item[field] = value
				}
				field = ""
			}
		}
	}
	return item, nil
}

// nextFromLinkHeader extracts the rel="next" target from an RFC 5988 Link
// header, or "" when the last page is reached.
func nextFromLinkHeader(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, attr := range section[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				return target
			}
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(value)
		return string(data)
	}
}

func (a *apiAdapter) HealthCheck(ctx context.Context) bool {
	return a.client != nil
}

