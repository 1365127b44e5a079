package config

import (
	"fmt"

	"github.com/marmos91/dittodav/pkg/adapter"
	davadapter "github.com/marmos91/dittodav/pkg/adapter/dav"
	"github.com/marmos91/dittodav/pkg/metrics"
)

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// Every adapter shares the same core: the adapters only translate their wire
// protocol into requests for the concurrency manager, which the server wires
// in with AddAdapter. Adapter-specific defaults were already applied when the
// configuration was loaded.
//
// Parameters:
//   - cfg: The complete DittoDAV configuration
//   - davMetrics: Optional DAV metrics collector (nil = no metrics)
//
// Returns:
//   - []adapter.Adapter: List of enabled adapters ready to be added to the server
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, davMetrics metrics.DAVMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	// HTTP/WebDAV adapter
	if cfg.Adapters.DAV.Enabled {
		adapters = append(adapters, davadapter.New(cfg.Adapters.DAV, davMetrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
