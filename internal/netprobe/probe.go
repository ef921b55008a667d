// Package netprobe classifies the current network link. The sync coordinator
// gates bulk uploads on wifi; single-record remote calls proceed on cellular.
package netprobe

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Link is the classification of the current network link.
type Link string

const (
	LinkNone     Link = "none"
	LinkCellular Link = "cellular"
	LinkWifi     Link = "wifi"
)

// linkTypeHeader is set by the probe endpoint to distinguish metered links.
const linkTypeHeader = "X-Link-Type"

// Probe reports the last known link classification. Classify never blocks
// and never fails: probe errors read as LinkNone.
type Probe interface {
	Classify() Link
}

// Static is a settable probe for tests.
type Static struct {
	mu   sync.Mutex
	link Link
}

// NewStatic returns a probe pinned to link.
func NewStatic(link Link) *Static {
	return &Static{link: link}
}

func (s *Static) Classify() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// SetLink changes the reported classification.
func (s *Static) SetLink(link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = link
}

// HTTPProbe classifies the link by periodically issuing a HEAD request to a
// well-known endpoint. The last result is cached; Classify returns it
// immediately.
type HTTPProbe struct {
	endpoint string
	interval time.Duration
	client   *http.Client
	last     atomic.Value // Link
}

// NewHTTPProbe creates a probe against endpoint, refreshing on the given
// interval. The initial classification is LinkNone until the first refresh.
func NewHTTPProbe(endpoint string, interval time.Duration) *HTTPProbe {
	p := &HTTPProbe{
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{Timeout: 3 * time.Second},
	}
	p.last.Store(LinkNone)
	return p
}

func (p *HTTPProbe) Classify() Link {
	return p.last.Load().(Link)
}

// Start refreshes the classification until ctx is cancelled.
func (p *HTTPProbe) Start(ctx context.Context) {
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *HTTPProbe) refresh(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		p.store(LinkNone)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.store(LinkNone)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.store(LinkNone)
		return
	}

	switch resp.Header.Get(linkTypeHeader) {
	case "cellular":
		p.store(LinkCellular)
	default:
		// Reachable without a metered-link marker reads as wifi.
		p.store(LinkWifi)
	}
}

func (p *HTTPProbe) store(link Link) {
	prev := p.last.Swap(link).(Link)
	if prev != link {
		slog.Info("[NetProbe] Link classification changed", "from", prev, "to", link)
	}
}
