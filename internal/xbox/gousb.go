package xbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

const sysfsRoot = "/sys/bus/usb/devices"

// USBBackend is the production Backend: gousb for device I/O plus a sysfs
// poller for presence. gousb cannot report attach/detach without opening
// devices, so hotplug is derived the same way the kernel tools do it, by
// watching /sys/bus/usb/devices.
type USBBackend struct {
	ctx  *gousb.Context
	vid  uint16
	pid  uint16
	poll time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	log *logrus.Entry
}

// NewUSBBackend starts a backend watching for the given VID/PID.
func NewUSBBackend(vid, pid uint16, poll time.Duration) *USBBackend {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	b := &USBBackend{
		ctx:    gousb.NewContext(),
		vid:    vid,
		pid:    pid,
		poll:   poll,
		events: make(chan Event, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "usb"),
	}
	go b.watch()
	return b
}

// Events implements Backend.
func (b *USBBackend) Events() <-chan Event {
	return b.events
}

// watch polls sysfs and diffs the set of matching devices into attach and
// detach events.
func (b *USBBackend) watch() {
	defer close(b.done)
	defer close(b.events)

	present := make(map[string]bool)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		seen := make(map[string]bool)
		devices, err := enumerateSysfs(sysfsRoot)
		if err != nil {
			b.log.WithError(err).Warn("sysfs enumeration failed")
		}
		for _, dev := range devices {
			if dev.VID != b.vid || dev.PID != b.pid {
				continue
			}
			addr := dev.Address()
			seen[addr] = true
			if !present[addr] {
				present[addr] = true
				b.emit(Event{Kind: EventAttach, Address: addr})
			}
		}
		for addr := range present {
			if !seen[addr] {
				delete(present, addr)
				b.emit(Event{Kind: EventDetach, Address: addr})
			}
		}

		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}
	}
}

func (b *USBBackend) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.stop:
	}
}

// Open implements Backend. The address is "bus:devnum" as produced by the
// sysfs watcher.
func (b *USBBackend) Open(address string) (DeviceHandle, error) {
	bus, devNum, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == devNum
	})
	// OpenDevices can return matches alongside errors for other devices;
	// only fail when nothing was opened.
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("xbox: open %s: %w", address, err)
		}
		return nil, ErrNoDevice
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	// The kernel's xpad driver claims the receiver on most distros; take
	// it over for the duration of the handle.
	if err := dev.SetAutoDetach(true); err != nil {
		b.log.WithError(err).Debug("auto-detach not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &usbHandle{dev: dev, ctx: ctx, cancel: cancel}, nil
}

// Close implements Backend.
func (b *USBBackend) Close() error {
	close(b.stop)
	<-b.done
	return b.ctx.Close()
}

func parseAddress(address string) (bus, devNum int, err error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("xbox: malformed device address %q", address)
	}
	bus, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("xbox: malformed device address %q", address)
	}
	devNum, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("xbox: malformed device address %q", address)
	}
	return bus, devNum, nil
}

// usbHandle adapts one open gousb device to the DeviceHandle interface.
type usbHandle struct {
	dev    *gousb.Device
	ctx    context.Context
	cancel context.CancelFunc

	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (h *usbHandle) Identity() (uint16, uint16, error) {
	return uint16(h.dev.Desc.Vendor), uint16(h.dev.Desc.Product), nil
}

func (h *usbHandle) Endpoints() ([]EndpointDesc, error) {
	num, err := h.dev.ActiveConfigNum()
	if err != nil {
		return nil, mapUSBError(err)
	}
	cfg, ok := h.dev.Desc.Configs[num]
	if !ok {
		return nil, fmt.Errorf("xbox: no descriptor for active config %d", num)
	}

	var eps []EndpointDesc
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		// gousb parses endpoints into a map; restore descriptor order by
		// address so "first endpoint" is deterministic.
		var addrs []int
		for addr := range alt.Endpoints {
			addrs = append(addrs, int(addr))
		}
		sort.Ints(addrs)
		for _, addr := range addrs {
			ed := alt.Endpoints[gousb.EndpointAddress(addr)]
			eps = append(eps, EndpointDesc{
				Address:       uint8(ed.Address),
				Attributes:    uint8(ed.TransferType) & 0x03,
				MaxPacketSize: uint16(ed.MaxPacketSize),
			})
		}
	}
	return eps, nil
}

func (h *usbHandle) Claim(iface int) error {
	num, err := h.dev.ActiveConfigNum()
	if err != nil {
		return mapUSBError(err)
	}
	cfg, err := h.dev.Config(num)
	if err != nil {
		return mapUSBError(err)
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return mapUSBError(err)
	}
	h.cfg = cfg
	h.intf = intf
	return nil
}

func (h *usbHandle) ReadInterrupt(ep uint8, buf []byte) (int, error) {
	if h.intf == nil {
		return 0, ErrNoDevice
	}
	if h.in == nil || h.in.Desc.Address != gousb.EndpointAddress(ep) {
		in, err := h.intf.InEndpoint(int(ep & 0x0F))
		if err != nil {
			return 0, mapUSBError(err)
		}
		h.in = in
	}
	n, err := h.in.ReadContext(h.ctx, buf)
	return n, mapUSBError(err)
}

func (h *usbHandle) WriteInterrupt(ep uint8, data []byte) (int, error) {
	if h.intf == nil {
		return 0, ErrNoDevice
	}
	if h.out == nil || h.out.Desc.Address != gousb.EndpointAddress(ep) {
		out, err := h.intf.OutEndpoint(int(ep & 0x0F))
		if err != nil {
			return 0, mapUSBError(err)
		}
		h.out = out
	}
	n, err := h.out.WriteContext(h.ctx, data)
	return n, mapUSBError(err)
}

func (h *usbHandle) HaltFlush(ep uint8) error {
	// gousb exposes no clear-halt; releasing the interface resets the
	// endpoint state on the way out.
	return ErrNotSupported
}

func (h *usbHandle) Release() {
	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
		h.in = nil
		h.out = nil
	}
	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}
}

func (h *usbHandle) Close() error {
	h.cancel()
	return h.dev.Close()
}

// mapUSBError folds gousb and context errors into the package's transfer
// error taxonomy.
func mapUSBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return ErrNoDevice
	case errors.Is(err, gousb.TransferCancelled), errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, gousb.ErrorBusy):
		return ErrBusy
	default:
		return err
	}
}
