// Package external builds the fetch adapters named in the catalog.
package external

import (
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/external/csvfeed"
	"github.com/wonny/aegis-macro/backend/internal/external/fred"
	"github.com/wonny/aegis-macro/backend/internal/external/htmltable"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
	"github.com/wonny/aegis-macro/backend/pkg/redis"
)

// Options carries what adapters need besides the catalog
type Options struct {
	Credential     func(name string) string // resolves catalog credential names (e.g. FRED -> FRED_API_KEY)
	SharedLimiter  *redis.RateLimiter       // optional cross-process limit
	DefaultTimeout time.Duration
}

// Build returns one adapter per catalog source, keyed by source name.
// ⭐ SSOT: source → adapter 매핑은 여기서만
func Build(reg *catalog.Registry, log *logger.Logger, opts Options) (map[string]contracts.FetchAdapter, error) {
	adapters := make(map[string]contracts.FetchAdapter)
	for _, name := range reg.Sources() {
		spec, _ := reg.Source(name)

		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = opts.DefaultTimeout
		}
		client := httputil.New(log, timeout).WithRate(spec.RatePerSec)
		if opts.SharedLimiter != nil && spec.RatePerSec > 0 {
			client = client.WithRateLimiter(opts.SharedLimiter, redis.SourceRateLimit(name, spec.RatePerSec))
		}

		switch spec.Adapter {
		case "fred":
			var key string
			if spec.Credential != "" && opts.Credential != nil {
				key = opts.Credential(spec.Credential)
			}
			if key == "" {
				log.WithField("source", name).Warn("No API key configured; source will fail")
			}
			adapters[name] = fred.NewClient(client, log, name, spec.BaseURL, key)
		case "csv":
			adapters[name] = csvfeed.NewClient(client, log, name, spec.BaseURL)
		case "htmltable":
			adapters[name] = htmltable.NewClient(client, log, name, spec.BaseURL)
		default:
			return nil, &contracts.ConfigError{Scope: "source", Name: name, Message: fmt.Sprintf("unknown adapter %q", spec.Adapter)}
		}
	}
	return adapters, nil
}
