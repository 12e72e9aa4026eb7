package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// contentSelectors is the main-content ladder, most specific first.
var contentSelectors = []string{
	"article",
	"main",
	`[role="main"]`,
	".content",
	".main-content",
	".post-content",
	".article-body",
}

func extractHTMLBytes(data []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "malformed html document", err)
	}
	return &Result{
		Text:     MainContent(doc),
		Metadata: PageMetadata(doc),
	}, nil
}

// MainContent extracts the primary text of an HTML document: the first
// matching content selector wins; otherwise the body with navigation
// chrome removed.
func MainContent(doc *goquery.Document) string {
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			sel.Find("script, style").Remove()
			if text := flatten(sel.Text()); text != "" {
				return text
			}
		}
	}
	body := doc.Find("body").First()
	body.Find("nav, header, footer, aside, script, style").Remove()
	return flatten(body.Text())
}

// StripTags reduces an HTML document to whitespace-flattened text without
// any content selection, for payloads like SEC filings where the whole
// document is the content.
func StripTags(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return flatten(html)
	}
	doc.Find("script, style, noscript").Remove()
	return flatten(doc.Find("body").Text())
}

// PageMetadata collects title, standard meta names, Open Graph and Twitter
// card tags into one flat map.
func PageMetadata(doc *goquery.Document) map[string]interface{} {
	meta := map[string]interface{}{}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			return
		}
		content = strings.TrimSpace(content)
		if name, ok := s.Attr("name"); ok {
			switch strings.ToLower(name) {
			case "description", "author", "keywords", "published":
				meta[strings.ToLower(name)] = content
			default:
				if strings.HasPrefix(strings.ToLower(name), "twitter:") {
					meta[strings.ToLower(name)] = content
				}
			}
			return
		}
		if property, ok := s.Attr("property"); ok {
			prop := strings.ToLower(property)
			if strings.HasPrefix(prop, "og:") || strings.HasPrefix(prop, "twitter:") {
				meta[prop] = content
			}
		}
	})
	return meta
}

func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
