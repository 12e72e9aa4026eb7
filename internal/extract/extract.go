package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// Result is extracted plain text plus whatever metadata the format carries.
type Result struct {
	Text     string
	Metadata map[string]interface{}
}

// Extractor turns raw bytes into plain text by MIME type.
type Extractor interface {
	ExtractText(data []byte, mime string) (*Result, error)
	SupportedExtensions() []string
}

type extractor struct{}

func New() Extractor {
	return extractor{}
}

var extToMime = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
	".json": "application/json",
	".csv":  "text/csv",
}

// MimeForPath maps a file extension to the MIME type the extractor
// dispatches on. Unknown extensions return "".
func MimeForPath(path string) string {
	return extToMime[strings.ToLower(filepath.Ext(path))]
}

func (extractor) SupportedExtensions() []string {
	exts := make([]string, 0, len(extToMime))
	for ext := range extToMime {
		exts = append(exts, ext)
	}
	return exts
}

func (extractor) ExtractText(data []byte, mime string) (*Result, error) {
	base := mime
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	switch base {
	case "text/plain", "":
		return &Result{Text: string(data), Metadata: map[string]interface{}{}}, nil
	case "text/markdown":
		return extractMarkdown(data)
	case "text/html", "application/xhtml+xml":
		return extractHTMLBytes(data)
	case "application/json":
		return extractJSON(data)
	case "text/csv":
		return extractCSV(data)
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		// Binary document parsing belongs to the external parser service.
		return nil, appErr.Wrapf(appErr.ErrValidation, "no parser for %s, configure the document parser service", base)
	default:
		return nil, appErr.Wrapf(appErr.ErrValidation, "unsupported content type %q", mime)
	}
}

func extractMarkdown(data []byte) (*Result, error) {
	md := goldmark.New()
	reader := gmtext.NewReader(data)
	doc := md.Parser().Parse(reader)

	var sb strings.Builder
	var title string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			heading := string(n.Text(data))
			if title == "" && n.Level == 1 {
				title = heading
			}
			sb.WriteString(heading)
			sb.WriteString("\n")
		case *ast.FencedCodeBlock:
			for i := 0; i < n.Lines().Len(); i++ {
				line := n.Lines().At(i)
				sb.Write(line.Value(data))
			}
			sb.WriteString("\n")
		default:
			txt := nodeText(node, data)
			if txt == "" {
				continue
			}
			sb.WriteString(txt)
			sb.WriteString("\n")
		}
	}
	meta := map[string]interface{}{}
	if title != "" {
		meta["title"] = title
	}
	return &Result{Text: sb.String(), Metadata: meta}, nil
}

func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if node.Kind() == ast.KindText {
			sb.Write(node.(*ast.Text).Segment.Value(source))
			sb.WriteString(" ")
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func extractJSON(data []byte) (*Result, error) {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "malformed json document", err)
	}
	var sb strings.Builder
	flattenJSON(value, &sb)
	return &Result{Text: sb.String(), Metadata: map[string]interface{}{}}, nil
}

func flattenJSON(value interface{}, sb *strings.Builder) {
	switch v := value.(type) {
	case map[string]interface{}:
		for _, item := range v {
			flattenJSON(item, sb)
		}
	case []interface{}:
		for _, item := range v {
			flattenJSON(item, sb)
		}
	case string:
		sb.WriteString(v)
		sb.WriteString(" ")
	case json.Number:
		sb.WriteString(v.String())
		sb.WriteString(" ")
	case float64:
		b, _ := json.Marshal(v)
		sb.Write(b)
		sb.WriteString(" ")
	case bool:
		if v {
			sb.WriteString("true ")
		} else {
			sb.WriteString("false ")
		}
	}
}

func extractCSV(data []byte) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var sb strings.Builder
	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, appErr.WrapErr(appErr.ErrValidation, "malformed csv document", err)
		}
		sb.WriteString(strings.Join(record, " "))
		sb.WriteString("\n")
		rows++
	}
	return &Result{Text: sb.String(), Metadata: map[string]interface{}{"csv_rows": rows}}, nil
}
