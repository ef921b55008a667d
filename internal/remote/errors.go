package remote

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

// classify wraps a raw database error with the engine's transient/permanent
// taxonomy so the sync coordinator can decide whether to retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, coreerr.ErrTransient) || errors.Is(err, coreerr.ErrPermanent) ||
		errors.Is(err, coreerr.ErrConflict) || errors.Is(err, coreerr.ErrNotFound) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch class := pqErr.Code.Class(); class {
		case "08", "40", "53", "57":
			// Connection, serialization, resource, and shutdown faults heal.
			return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
		case "28":
			// Authentication expiry: caller refreshes credentials and retries.
			return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
		case "22", "23", "42":
			// Data, constraint, and syntax faults never heal on retry.
			return fmt.Errorf("%w: %v", coreerr.ErrPermanent, err)
		}
	}

	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
	}

	// Unknown faults retry; the per-write retry cap bounds the damage.
	return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
}
