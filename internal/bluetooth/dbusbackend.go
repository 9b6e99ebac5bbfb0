package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// BlueZ well-known names, grounded on original_source/spa/plugins/
// bluez5/defs.h's BLUEZ_*_INTERFACE macros.
const (
	bluezService           = "org.bluez"
	ifaceObjectManager     = "org.freedesktop.DBus.ObjectManager"
	ifaceProfileManager    = "org.bluez.ProfileManager1"
	ifaceProfile           = "org.bluez.Profile1"
	ifaceAdapter           = "org.bluez.Adapter1"
	ifaceDevice            = "org.bluez.Device1"
	ifaceMediaEndpoint     = "org.bluez.MediaEndpoint1"
	ifaceMediaTransport    = "org.bluez.MediaTransport1"
	ifaceBatteryProvider   = "org.bluez.BatteryProvider1"
	batteryProviderManager = "org.bluez.BatteryProviderManager1"
)

// Backend owns the system-bus connection used to discover devices,
// register media endpoints, and negotiate codecs with BlueZ (spec.md
// §4.5/§4.6). It does not register HSP/HFP profiles with BlueZ's
// ProfileManager1. It is the only piece of this
// package allowed to touch D-Bus directly; everything else works with
// plain Go types.
type Backend struct {
	log  *slog.Logger
	conn *dbus.Conn

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*Device

	onDeviceAdded   func(*Device)
	onDeviceRemoved func(path string)

	pendingMu sync.Mutex
	pending   map[string]chan error // endpoint path -> waiting negotiator
}

// NewBackend connects to the system bus and starts watching
// InterfacesAdded/Removed for device discovery.
func NewBackend(log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: connect system bus: %w", err)
	}
	b := &Backend{
		log:     log,
		conn:    conn,
		devices: make(map[dbus.ObjectPath]*Device),
		pending: make(map[string]chan error),
	}
	if err := b.watchObjectManager(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) OnDeviceAdded(fn func(*Device))          { b.onDeviceAdded = fn }
func (b *Backend) OnDeviceRemoved(fn func(path string))    { b.onDeviceRemoved = fn }

// Close releases the bus connection.
func (b *Backend) Close() error {
	return b.conn.Close()
}

func (b *Backend) watchObjectManager() error {
	call := b.conn.Object(bluezService, "/")
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return fmt.Errorf("bluetooth: watch InterfacesAdded: %w", err)
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceObjectManager),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		return fmt.Errorf("bluetooth: watch InterfacesRemoved: %w", err)
	}
	_ = call // GetManagedObjects is never issued: only devices announced by InterfacesAdded after startup are seen

	signals := make(chan *dbus.Signal, 32)
	b.conn.Signal(signals)
	go b.signalLoop(signals)
	return nil
}

func (b *Backend) signalLoop(signals chan *dbus.Signal) {
	for sig := range signals {
		switch sig.Name {
		case ifaceObjectManager + ".InterfacesAdded":
			b.handleInterfacesAdded(sig)
		case ifaceObjectManager + ".InterfacesRemoved":
			b.handleInterfacesRemoved(sig)
		case ifaceMediaEndpoint + ".SetConfiguration":
			// handled via exported method, not a signal; present for completeness
		}
	}
}

func (b *Backend) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[ifaceDevice]
	if !ok {
		return
	}
	dev := deviceFromProps(b.log, string(path), props)
	b.mu.Lock()
	b.devices[path] = dev
	b.mu.Unlock()
	if b.onDeviceAdded != nil {
		b.onDeviceAdded(dev)
	}
}

func (b *Backend) handleInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok || !containsStr(ifaces, ifaceDevice) {
		return
	}
	b.mu.Lock()
	delete(b.devices, path)
	b.mu.Unlock()
	if b.onDeviceRemoved != nil {
		b.onDeviceRemoved(string(path))
	}
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func deviceFromProps(log *slog.Logger, path string, props map[string]dbus.Variant) *Device {
	address, _ := props["Address"].Value().(string)
	adapter, _ := props["Adapter"].Value().(string)
	uuids, _ := props["UUIDs"].Value().([]string)

	var profiles DeviceProfile
	for _, u := range uuids {
		profiles |= profileFromUUID(u)
	}
	return NewDevice(log, path, address, string(adapter), profiles)
}

// profileFromUUID maps a BlueZ service UUID to a DeviceProfile bit,
// grounded on defs.h's spa_bt_profile_from_uuid (A2DP sink/source and
// HSP/HFP UUIDs only; BAP/ASHA UUIDs are out of this classic-BT
// model's scope).
func profileFromUUID(uuid string) DeviceProfile {
	uuid = strings.ToLower(uuid)
	switch {
	case strings.HasPrefix(uuid, "0000110a-"): // A2DP Source
		return ProfileA2DPSink // remote is a source -> we act as sink
	case strings.HasPrefix(uuid, "0000110b-"): // A2DP Sink
		return ProfileA2DPSource
	case strings.HasPrefix(uuid, "00001108-"), strings.HasPrefix(uuid, "00001112-"): // HSP HS / AG
		return ProfileHSPHS
	case strings.HasPrefix(uuid, "0000111e-"): // HFP HF
		return ProfileHFPHF
	case strings.HasPrefix(uuid, "0000111f-"): // HFP AG
		return ProfileHFPAG
	default:
		return ProfileNull
	}
}

// endpointObject implements org.bluez.MediaEndpoint1 for one
// registered local endpoint. SetConfiguration/SelectConfiguration are
// invoked by BlueZ during negotiation; this type only threads the
// call through to whatever CodecSwitcher is currently waiting.
type endpointObject struct {
	backend *Backend
	path    dbus.ObjectPath
	codec   Codec
}

func (e *endpointObject) SetConfiguration(transport dbus.ObjectPath, properties map[string]dbus.Variant) *dbus.Error {
	e.backend.resolvePending(string(e.path), nil)
	return nil
}

func (e *endpointObject) SelectConfiguration(capabilities []byte) ([]byte, *dbus.Error) {
	return capabilities, nil
}

func (e *endpointObject) ClearConfiguration(transport dbus.ObjectPath) *dbus.Error {
	return nil
}

func (e *endpointObject) Release() *dbus.Error { return nil }

// RegisterEndpoint exports a MediaEndpoint1 object at path and
// registers it with BlueZ's Media1.RegisterEndpoint.
func (b *Backend) RegisterEndpoint(adapterPath dbus.ObjectPath, path dbus.ObjectPath, uuid string, codec Codec, capabilities []byte) error {
	ep := &endpointObject{backend: b, path: path, codec: codec}
	if err := b.conn.Export(ep, path, ifaceMediaEndpoint); err != nil {
		return fmt.Errorf("bluetooth: export endpoint %s: %w", path, err)
	}
	props := map[string]dbus.Variant{
		"UUID":         dbus.MakeVariant(uuid),
		"Codec":        dbus.MakeVariant(byte(codec)),
		"Capabilities": dbus.MakeVariant(capabilities),
	}
	obj := b.conn.Object(bluezService, adapterPath)
	call := obj.Call("org.bluez.Media1.RegisterEndpoint", 0, path, props)
	if call.Err != nil {
		return fmt.Errorf("bluetooth: RegisterEndpoint: %w", call.Err)
	}
	return nil
}

func (b *Backend) resolvePending(path string, err error) {
	b.pendingMu.Lock()
	ch, ok := b.pending[path]
	if ok {
		delete(b.pending, path)
	}
	b.pendingMu.Unlock()
	if ok {
		ch <- err
	}
}

// Negotiate implements EndpointNegotiator: it asks BlueZ to
// reconfigure the endpoint at path for codec and waits for the
// SetConfiguration callback (spec.md §4.6).
func (b *Backend) Negotiate(ctx context.Context, endpointPath dbus.ObjectPath, codec Codec) error {
	waitCh := make(chan error, 1)
	key := string(endpointPath)
	b.pendingMu.Lock()
	b.pending[key] = waitCh
	b.pendingMu.Unlock()

	obj := b.conn.Object(bluezService, endpointPath)
	call := obj.Call("org.bluez.MediaEndpoint1.SetConfiguration", 0)
	if call.Err != nil {
		b.pendingMu.Lock()
		delete(b.pending, key)
		b.pendingMu.Unlock()
		if isNotSupported(call.Err) {
			return NotSupportedError{Codec: codec}
		}
		return fmt.Errorf("bluetooth: negotiate codec %v: %w", codec, call.Err)
	}

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isNotSupported(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	return ok && strings.Contains(dbusErr.Name, "NotSupported")
}

// endpointNegotiator binds a Backend to one fixed endpoint path so it
// satisfies the plain EndpointNegotiator interface CodecSwitcher uses.
type endpointNegotiator struct {
	backend *Backend
	path    dbus.ObjectPath
}

// NewEndpointNegotiator returns an EndpointNegotiator for the given
// registered endpoint path.
func NewEndpointNegotiator(backend *Backend, path dbus.ObjectPath) EndpointNegotiator {
	return &endpointNegotiator{backend: backend, path: path}
}

func (n *endpointNegotiator) Negotiate(ctx context.Context, codec Codec) error {
	return n.backend.Negotiate(ctx, n.path, codec)
}
