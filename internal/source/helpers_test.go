package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/config"
	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/filestore"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

func boolPtr(v bool) *bool { return &v }

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			SECEdgar:  0.001,
			URLScrape: 0.001,
			APIFetch:  0.001,
			Embedding: 0.001,
		},
		Sources: config.SourcesConfig{
			SECEdgar: config.SECEdgarConfig{
				UserAgent:      "RakeTest/1.0 test@example.com",
				MaxFilingSize:  10 * 1024 * 1024,
				TimeoutSeconds: 5,
			},
			URLScrape: config.URLScrapeConfig{
				UserAgent:      "RakeTestBot/1.0",
				RespectRobots:  boolPtr(true),
				MaxBodySize:    1024 * 1024,
				TimeoutSeconds: 5,
			},
			APIFetch: config.APIFetchConfig{TimeoutSeconds: 5},
			DBQuery: config.DBQueryConfig{
				ReadOnly:       boolPtr(true),
				TimeoutSeconds: 5,
				MaxRows:        1000,
			},
			Upload: config.UploadConfig{MaxFileSize: 1024 * 1024},
		},
	}
}

func testResources(t *testing.T, cfg *config.Config, dir string) *Resources {
	t.Helper()
	var files filestore.Store
	if dir != "" {
		store, err := filestore.New("local", map[string]interface{}{"dir": dir})
		require.NoError(t, err)
		files = store
	}
	return &Resources{
		Cfg:       cfg,
		Limiter:   ratelimit.New(time.Millisecond),
		Retry:     retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}),
		Extractor: extract.New(),
		Files:     files,
		Engines:   NewEngineCache(),
	}
}
