package event

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/equihub-lab/equihub-core/internal/core/clock"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

// PendingPrefix marks locally minted ids awaiting a server id.
const PendingPrefix = "pending-"

// virtualSep splits a compound occurrence id into base id and instant. The
// sentinel is internal to the engine and never reaches the remote store;
// this file is the only place that interprets it.
const virtualSep = "_repeat_"

// virtualIDRe matches the wire form "{uuid}_repeat_{iso8601}". Only
// server-assigned uuid ids can anchor a virtual occurrence; pending ids never
// appear in compound form because recurrence expansion reads remote rows.
var virtualIDRe = regexp.MustCompile(`^([0-9a-f-]{36})_repeat_(.+)$`)

// NewPendingID mints a local sentinel id for a not-yet-uploaded event.
func NewPendingID() string {
	return PendingPrefix + uuid.NewString()
}

// VirtualID builds the compound id of the occurrence of base at the given
// instant, e.g. "550e8400-...-440000_repeat_2025-01-13T12:00:00.000Z".
func VirtualID(base string, at time.Time) string {
	return base + virtualSep + clock.FormatISO(at)
}

// ID is the parsed form of an event id: either a concrete id or a virtual
// occurrence of a concrete base at a specific instant.
type ID struct {
	// Base is the concrete event id. For virtual ids this is the uuid before
	// the sentinel; operations addressed at a virtual are rewritten to it.
	Base string

	// At is the occurrence instant; zero for concrete ids.
	At time.Time

	virtual bool
}

// Virtual reports whether the id addresses a derived occurrence.
func (id ID) Virtual() bool { return id.virtual }

// ParseID interprets raw as a concrete or compound event id.
func ParseID(raw string) (ID, error) {
	if raw == "" {
		return ID{}, fmt.Errorf("%w: empty", coreerr.ErrInvalidID)
	}
	m := virtualIDRe.FindStringSubmatch(raw)
	if m == nil {
		if strings.Contains(raw, virtualSep) {
			return ID{}, fmt.Errorf("%w: malformed compound id %q", coreerr.ErrInvalidID, raw)
		}
		return ID{Base: raw}, nil
	}
	at, err := clock.ParseISO(m[2])
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad occurrence instant in %q: %v", coreerr.ErrInvalidID, raw, err)
	}
	return ID{Base: m[1], At: at, virtual: true}, nil
}
