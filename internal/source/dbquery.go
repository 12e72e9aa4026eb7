package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/hashutil"
)

const dbHardMaxRows = 10000

// forbiddenTokens are rejected in read-only mode wherever they appear
// outside string literals.
var forbiddenTokens = []string{"DROP", "DELETE", "INSERT", "UPDATE", "TRUNCATE", "ALTER"}

// contentFallbackColumns are tried in order when no content_column is given.
var contentFallbackColumns = []string{"content", "body", "text", "description", "message"}

func init() {
	Register(model.SourceDatabaseQuery, createDBAdapter)
}

type dbAdapter struct {
	tenantID   string
	readOnly   bool
	timeout    time.Duration
	maxRowsCap int
	engines    *EngineCache
}

func createDBAdapter(tenantID string, res *Resources) (Adapter, error) {
	cfg := res.Cfg.Sources.DBQuery
	readOnly := true
	if cfg.ReadOnly != nil {
		readOnly = *cfg.ReadOnly
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 || maxRows > dbHardMaxRows {
		maxRows = dbHardMaxRows
	}
	return &dbAdapter{
		tenantID:   tenantID,
		readOnly:   readOnly,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxRowsCap: maxRows,
		engines:    res.Engines,
	}, nil
}

func (a *dbAdapter) Source() model.Source {
	return model.SourceDatabaseQuery
}

func (a *dbAdapter) SupportedFormats() []string {
	return []string{"postgres", "mysql", "sqlite"}
}

func (a *dbAdapter) Validate(params *model.SourceParams) error {
	p := params.DatabaseQuery
	if p == nil || p.ConnectionString == "" {
		return appErr.Wrapf(appErr.ErrValidation, "connection_string is required")
	}
	if strings.TrimSpace(p.Query) == "" {
		return appErr.Wrapf(appErr.ErrValidation, "query is required")
	}
	if _, err := parseDSN(p.ConnectionString); err != nil {
		return appErr.WrapErr(appErr.ErrValidation, "connection_string", err)
	}
	if p.MaxRows < 0 || p.MaxRows > dbHardMaxRows {
		return appErr.Wrapf(appErr.ErrValidation, "max_rows must be between 1 and %d", dbHardMaxRows)
	}
	if a.readOnly {
		if err := checkReadOnly(p.Query); err != nil {
			return err
		}
	}
	return nil
}

// checkReadOnly enforces the read-only contract: the statement must begin
// with SELECT or WITH and must not contain a forbidden keyword outside
// string literals.
func checkReadOnly(query string) error {
	stripped := stripStringLiterals(query)
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return appErr.Wrapf(appErr.ErrValidation, "query is empty")
	}
	first := strings.ToUpper(fields[0])
	if first != "SELECT" && first != "WITH" {
		return appErr.Wrapf(appErr.ErrForbidden,
			"read-only mode permits only SELECT or WITH queries, got %s", first)
	}
	upper := strings.ToUpper(stripped)
	for _, token := range forbiddenTokens {
		if containsToken(upper, token) {
			return appErr.Wrapf(appErr.ErrForbidden,
				"read-only mode rejects queries containing %s", token)
		}
	}
	return nil
}

// stripStringLiterals blanks single-quoted literals (with '' escapes) so
// keyword checks do not trip on data.
func stripStringLiterals(query string) string {
	var sb strings.Builder
	inString := false
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			if r == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					i++
					continue
				}
				inString = false
				sb.WriteRune(' ')
			}
			continue
		}
		if r == '\'' {
			inString = true
			sb.WriteRune(' ')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func containsToken(upper, token string) bool {
	idx := 0
	for {
		pos := strings.Index(upper[idx:], token)
		if pos < 0 {
			return false
		}
		pos += idx
		before := pos == 0 || !isWordChar(upper[pos-1])
		afterIdx := pos + len(token)
		after := afterIdx >= len(upper) || !isWordChar(upper[afterIdx])
		if before && after {
			return true
		}
		idx = pos + len(token)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func (a *dbAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	p := params.DatabaseQuery
	info, err := parseDSN(p.ConnectionString)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrValidation, "connection_string", err)
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("database", info.masked),
		zap.String("driver", info.driver),
	)

	db, err := a.engines.Get(info)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "open database", err)
	}

	maxRows := p.MaxRows
	if maxRows == 0 || maxRows > a.maxRowsCap {
		maxRows = a.maxRowsCap
	}

	queryCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	conn, err := db.Connx(queryCtx)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "acquire connection", err)
	}
	defer conn.Close()

	if err := a.applyStatementTimeout(queryCtx, conn, info.driver); err != nil {
		logger.Warn("statement timeout not applied", zap.Error(err))
	}

	rows, err := a.query(queryCtx, conn, info.driver, p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var documents []*model.RawDocument
	for rows.Next() {
		if len(documents) >= maxRows {
			break
		}
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, appErr.WrapErr(appErr.ErrTransient, "scan row", err)
		}
		normalizeRow(row)
		documents = append(documents, a.rowToDocument(row, p))
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "iterate rows", err)
	}
	if len(documents) == 0 {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "query returned no rows")
	}
	ensureUniqueIDs(documents)
	logger.Info("query fetched", zap.Int("row_count", len(documents)))
	return documents, nil
}

func (a *dbAdapter) applyStatementTimeout(ctx context.Context, conn *sqlx.Conn, driver string) error {
	if a.timeout <= 0 {
		return nil
	}
	millis := int(a.timeout / time.Millisecond)
	switch driver {
	case "postgres":
		_, err := conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", millis))
		return err
	case "mysql":
		_, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", millis))
		return err
	}
	// sqlite has no server-side timeout; context cancellation covers it.
	return nil
}

// query binds caller parameters through driver-native named binding; no
// value is ever interpolated into the statement text.
func (a *dbAdapter) query(ctx context.Context, conn *sqlx.Conn, driver string, p *model.DatabaseQueryParams) (*sqlx.Rows, error) {
	query := p.Query
	args := []interface{}{}
	if len(p.Params) > 0 {
		bound, boundArgs, err := sqlx.Named(query, p.Params)
		if err != nil {
			return nil, appErr.WrapErr(appErr.ErrValidation, "bind query params", err)
		}
		query = bound
		args = boundArgs
	}
	if driver == "postgres" {
		query = sqlx.Rebind(sqlx.DOLLAR, query)
	}
	rows, err := conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "execute query", err)
	}
	return rows, nil
}

// normalizeRow converts driver byte slices to strings so rows serialize
// cleanly.
func normalizeRow(row map[string]interface{}) {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
}

func (a *dbAdapter) rowToDocument(row map[string]interface{}, p *model.DatabaseQueryParams) *model.RawDocument {
	content := ""
	contentColumn := p.ContentColumn
	if contentColumn != "" {
		if v, ok := row[contentColumn]; ok {
			content = toString(v)
		}
	}
	if content == "" {
		for _, candidate := range contentFallbackColumns {
			if v, ok := row[candidate]; ok {
				content = toString(v)
				contentColumn = candidate
				break
			}
		}
	}
	if content == "" {
		data, _ := json.Marshal(row)
		content = string(data)
		contentColumn = ""
	}

	meta := map[string]interface{}{}
	for k, v := range row {
		if k == contentColumn {
			continue
		}
		meta[k] = v
	}
	if p.TitleColumn != "" {
		if v, ok := row[p.TitleColumn]; ok {
			meta["title"] = toString(v)
		}
	}

	docID := ""
	if p.IDColumn != "" {
		if v, ok := row[p.IDColumn]; ok {
			docID = "db-" + toString(v)
			meta["db_row_id"] = toString(v)
		}
	}
	if docID == "" {
		docID = "db-" + hashutil.RowID(row)
	}
	return newRawDocument(a.tenantID, docID, content, meta, model.SourceDatabaseQuery)
}

func (a *dbAdapter) HealthCheck(ctx context.Context) bool {
	return a.engines != nil
}
