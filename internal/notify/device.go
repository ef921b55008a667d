package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification is one device-local notification request. A zero FireAt means
// fire immediately.
type Notification struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	FireAt time.Time         `json:"fire_at,omitempty"`
}

// DeviceAPI is the platform notification surface the scheduler drives.
type DeviceAPI interface {
	// Schedule registers the notification and returns an opaque handle.
	Schedule(ctx context.Context, n Notification) (string, error)

	// Cancel revokes a previously scheduled notification. Cancelling an
	// unknown or already-fired handle is not an error.
	Cancel(ctx context.Context, handle string) error

	// PermissionGranted reports whether the user allowed notifications.
	// The core never solicits permission itself.
	PermissionGranted() bool
}

// FakeDevice records scheduling calls for tests.
type FakeDevice struct {
	mu         sync.Mutex
	permission bool
	seq        int
	live       map[string]Notification
	Cancelled  []string
	Fired      []Notification
}

// NewFakeDevice returns a device with permission granted.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{permission: true, live: make(map[string]Notification)}
}

// SetPermission toggles the reported permission state.
func (d *FakeDevice) SetPermission(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permission = granted
}

func (d *FakeDevice) PermissionGranted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *FakeDevice) Schedule(_ context.Context, n Notification) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.FireAt.IsZero() {
		// Immediate notifications fire and leave nothing to cancel.
		d.Fired = append(d.Fired, n)
		return "", nil
	}
	d.seq++
	handle := "h-" + uuid.NewString()[:8]
	d.live[handle] = n
	return handle, nil
}

func (d *FakeDevice) Cancel(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[handle]; ok {
		delete(d.live, handle)
		d.Cancelled = append(d.Cancelled, handle)
	}
	return nil
}

// Live returns the notifications still scheduled on the device.
func (d *FakeDevice) Live() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, 0, len(d.live))
	for _, n := range d.live {
		out = append(out, n)
	}
	return out
}

// LiveCount counts notifications still scheduled.
func (d *FakeDevice) LiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// FiredCount counts immediate notifications delivered.
func (d *FakeDevice) FiredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Fired)
}

// LogDevice is a DeviceAPI that only logs. It stands in where no platform
// notification bridge is wired, typically the server binary.
type LogDevice struct{}

func (LogDevice) PermissionGranted() bool { return true }

func (LogDevice) Schedule(_ context.Context, n Notification) (string, error) {
	handle := uuid.NewString()
	slog.Info("[Notify] Scheduled (log only)",
		"handle", handle, "title", n.Title, "fire_at", n.FireAt)
	return handle, nil
}

func (LogDevice) Cancel(_ context.Context, handle string) error {
	slog.Info("[Notify] Cancelled (log only)", "handle", handle)
	return nil
}
