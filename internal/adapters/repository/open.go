package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/saferide/pkg/logger"
)

// Store drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open builds the store named by driver and wraps it with metrics. path is
// only used by the sqlite driver. opts only apply to the memory driver.
func Open(ctx context.Context, driver, path string, log logger.Logger, opts ...Option) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		s = NewMemoryStore(ctx, opts...)
	case DriverSQLite:
		s, err = OpenSQLite(ctx, path, log)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store driver %q: %w", driver, ErrUnsupported)
	}
	return Instrument(s), nil
}
