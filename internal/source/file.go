package source

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/filestore"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/hashutil"
)

func init() {
	Register(model.SourceFileUpload, createFileAdapter)
}

type fileAdapter struct {
	tenantID    string
	files       filestore.Store
	extractor   extract.Extractor
	maxFileSize int64
}

func createFileAdapter(tenantID string, res *Resources) (Adapter, error) {
	return &fileAdapter{
		tenantID:    tenantID,
		files:       res.Files,
		extractor:   res.Extractor,
		maxFileSize: res.Cfg.Sources.Upload.MaxFileSize,
	}, nil
}

func (a *fileAdapter) Source() model.Source {
	return model.SourceFileUpload
}

func (a *fileAdapter) SupportedFormats() []string {
	return a.extractor.SupportedExtensions()
}

func (a *fileAdapter) Validate(params *model.SourceParams) error {
	p := params.FileUpload
	if p == nil || p.FilePath == "" {
		return appErr.Wrapf(appErr.ErrValidation, "file_path is required")
	}
	ext := strings.ToLower(filepath.Ext(p.FilePath))
	if ext == "" {
		return appErr.Wrapf(appErr.ErrValidation, "file %s has no extension", p.FilePath)
	}
	if extract.MimeForPath(p.FilePath) == "" {
		return appErr.Wrapf(appErr.ErrValidation, "unsupported file extension %s", ext)
	}
	return nil
}

func (a *fileAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	p := params.FileUpload
	logger := logutil.GetLogger(ctx).With(zap.String("file_path", p.FilePath))

	size, err := a.files.Size(ctx, p.FilePath)
	if err != nil {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "file %s: %s", p.FilePath, err.Error())
	}
	if size > a.maxFileSize {
		return nil, appErr.Wrapf(appErr.ErrSizeExceeded, "file is %d bytes, cap is %d", size, a.maxFileSize)
	}

	reader, err := a.files.Open(ctx, p.FilePath)
	if err != nil {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "open %s: %s", p.FilePath, err.Error())
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, a.maxFileSize+1))
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "read file", err)
	}
	if int64(len(data)) > a.maxFileSize {
		return nil, appErr.Wrapf(appErr.ErrSizeExceeded, "file exceeds cap of %d bytes", a.maxFileSize)
	}

	mime := extract.MimeForPath(p.FilePath)
	result, err := a.extractor.ExtractText(data, mime)
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{
		"source_path": p.FilePath,
		"file_size":   size,
		"mime_type":   mime,
	}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	doc := newRawDocument(a.tenantID, "file-"+hashutil.ContentID(p.FilePath), result.Text, meta, model.SourceFileUpload)

	logger.Info("file extracted",
		zap.Int64("file_size", size),
		zap.Int("content_length", len(result.Text)),
	)
	return []*model.RawDocument{doc}, nil
}

func (a *fileAdapter) HealthCheck(ctx context.Context) bool {
	return a.files != nil
}
