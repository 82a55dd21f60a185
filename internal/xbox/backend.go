package xbox

// EventKind distinguishes device arrival from removal.
type EventKind int

const (
	// EventAttach reports a receiver appearing on the bus.
	EventAttach EventKind = iota
	// EventDetach reports a receiver leaving the bus.
	EventDetach
)

// Event is one hotplug notification from a Backend.
type Event struct {
	Kind EventKind
	// Address identifies the device instance for Open. Its format is
	// backend-specific.
	Address string
}

// EndpointDesc is the subset of a USB endpoint descriptor the driver needs
// to pick its interrupt endpoints.
type EndpointDesc struct {
	// Address includes the direction bit (0x80 = IN).
	Address uint8
	// Attributes' low two bits encode the transfer type (0x03 = interrupt).
	Attributes    uint8
	MaxPacketSize uint16
}

// IsIn reports whether the endpoint's direction is device-to-host.
func (e EndpointDesc) IsIn() bool { return e.Address&0x80 != 0 }

// IsInterrupt reports whether the endpoint is an interrupt endpoint.
func (e EndpointDesc) IsInterrupt() bool { return e.Attributes&0x03 == 0x03 }

// DeviceHandle is an open USB device as the driver sees it. Implementations
// must allow ReadInterrupt to be unblocked by Close.
type DeviceHandle interface {
	// Identity returns the device descriptor's vendor and product IDs.
	Identity() (vid, pid uint16, err error)
	// Endpoints returns the active configuration's endpoint descriptors in
	// descriptor order.
	Endpoints() ([]EndpointDesc, error)
	// Claim claims an interface (alternate setting 0).
	Claim(iface int) error
	// ReadInterrupt blocks until data arrives on the IN endpoint, the
	// transfer fails, or the handle is closed.
	ReadInterrupt(ep uint8, buf []byte) (int, error)
	// WriteInterrupt sends a command on the OUT endpoint.
	WriteInterrupt(ep uint8, data []byte) (int, error)
	// HaltFlush halts then flushes an endpoint, discarding queued data.
	// Backends without that control may return ErrNotSupported.
	HaltFlush(ep uint8) error
	// Release releases the claimed interface.
	Release()
	// Close closes the handle. Safe to call after Release.
	Close() error
}

// Backend abstracts the USB host stack: hotplug notification plus device
// access. The production implementation sits on gousb with a sysfs presence
// watcher; tests substitute an in-memory fake.
type Backend interface {
	// Events yields attach/detach notifications. The channel is closed when
	// the backend shuts down.
	Events() <-chan Event
	// Open opens the device at an address previously seen in an attach
	// event.
	Open(address string) (DeviceHandle, error)
	// Close releases the backend's resources.
	Close() error
}
