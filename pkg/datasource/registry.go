package datasource

import (
	"sync"

	"github.com/intellibi/analytics-engine/pkg/compiler"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[compiler.Dialect]Connector)
)

// Register is called by each adapter's init function. Thread-safe for
// concurrent init calls.
func Register(c Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Dialect()] = c
}

// ConnectorFor returns the connector for a dialect, or nil if no adapter
// for it was imported.
func ConnectorFor(d compiler.Dialect) Connector {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[d]
}

// RegisteredDialects returns the dialects with an available adapter.
func RegisteredDialects() []compiler.Dialect {
	registryMu.RLock()
	defer registryMu.RUnlock()

	dialects := make([]compiler.Dialect, 0, len(registry))
	for d := range registry {
		dialects = append(dialects, d)
	}
	return dialects
}
