package pipeline

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/model"
)

// CleanStage normalizes fetched content: HTML stripped when the payload is
// markup, unicode to NFC, whitespace collapsed. Documents below the minimum
// length are dropped, not failed.
type CleanStage struct {
	minContentLength int
}

func NewCleanStage(minContentLength int) *CleanStage {
	if minContentLength <= 0 {
		minContentLength = 10
	}
	return &CleanStage{minContentLength: minContentLength}
}

func (s *CleanStage) Execute(ctx context.Context, docs []*model.RawDocument) ([]*model.CleanedDocument, error) {
	logger := logutil.GetLogger(ctx)
	cleaned := make([]*model.CleanedDocument, 0, len(docs))
	dropped := 0
	for _, doc := range docs {
		content := doc.Content
		if looksLikeHTML(doc) {
			content = extract.StripTags(content)
		}
		content = norm.NFC.String(content)
		content = strings.Join(strings.Fields(content), " ")

		if len(content) < s.minContentLength {
			dropped++
			logger.Info("dropping short document",
				zap.String("document_id", doc.DocumentID),
				zap.Int("content_length", len(content)),
				zap.Int("min_length", s.minContentLength),
			)
			continue
		}
		cleaned = append(cleaned, &model.CleanedDocument{
			DocumentID: doc.DocumentID,
			Content:    content,
			WordCount:  len(strings.Fields(content)),
			Metadata:   model.CloneMetadata(doc.Metadata),
			TenantID:   doc.TenantID,
		})
	}
	if dropped > 0 {
		logger.Info("clean stage dropped documents", zap.Int("dropped", dropped))
	}
	return cleaned, nil
}

func looksLikeHTML(doc *model.RawDocument) bool {
	if mime, ok := doc.Metadata["mime_type"].(string); ok && strings.Contains(mime, "html") {
		return true
	}
	head := doc.Content
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") ||
		strings.Contains(head, "<body") || strings.Contains(head, "<div")
}
