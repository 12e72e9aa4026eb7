package source

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// EngineCache holds one connection pool per connection string, shared
// across tenants, closed on shutdown.
type EngineCache struct {
	mu      sync.Mutex
	engines map[string]*sqlx.DB
}

func NewEngineCache() *EngineCache {
	return &EngineCache{engines: make(map[string]*sqlx.DB)}
}

// dsnInfo is a parsed, validated connection string.
type dsnInfo struct {
	driver string
	dsn    string
	masked string
}

// parseDSN accepts URL-style connection strings for postgres, mysql and
// sqlite and maps them to driver-native DSNs. The masked form is safe to
// log.
func parseDSN(connectionString string) (*dsnInfo, error) {
	trimmed := strings.TrimSpace(connectionString)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("malformed connection string: %w", err)
		}
		return &dsnInfo{driver: "postgres", dsn: trimmed, masked: maskURL(parsed)}, nil
	case strings.HasPrefix(lower, "mysql://"):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("malformed connection string: %w", err)
		}
		pass, _ := parsed.User.Password()
		host := parsed.Host
		db := strings.TrimPrefix(parsed.Path, "/")
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", parsed.User.Username(), pass, host, db)
		if parsed.RawQuery != "" {
			dsn += "?" + parsed.RawQuery
		}
		return &dsnInfo{driver: "mysql", dsn: dsn, masked: maskURL(parsed)}, nil
	case strings.HasPrefix(lower, "sqlite://") || strings.HasPrefix(lower, "sqlite:///"):
		path := strings.TrimPrefix(trimmed, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			return nil, fmt.Errorf("sqlite connection string has no path")
		}
		return &dsnInfo{driver: "sqlite", dsn: "/" + path, masked: trimmed}, nil
	case strings.HasPrefix(lower, "file:") || strings.HasSuffix(lower, ".db"):
		return &dsnInfo{driver: "sqlite", dsn: trimmed, masked: trimmed}, nil
	default:
		return nil, fmt.Errorf("unsupported database scheme in connection string")
	}
}

func maskURL(parsed *url.URL) string {
	clone := *parsed
	if clone.User != nil {
		if _, has := clone.User.Password(); has {
			clone.User = url.UserPassword(clone.User.Username(), "****")
		}
	}
	return clone.String()
}

func (c *EngineCache) Get(info *dsnInfo) (*sqlx.DB, error) {
	key := info.driver + "|" + info.dsn
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.engines[key]; ok {
		return db, nil
	}
	db, err := sqlx.Open(info.driver, info.dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	c.engines[key] = db
	return db, nil
}

func (c *EngineCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, db := range c.engines {
		_ = db.Close()
		delete(c.engines, key)
	}
}
