// Command pinosd is the daemon: it owns the object registry, accepts
// client connections on the control socket, and bridges Bluetooth
// classic-audio devices into it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"sync"
	"time"

	"github.com/kestrelio/pinosd/internal/bluetooth"
	"github.com/kestrelio/pinosd/internal/config"
	"github.com/kestrelio/pinosd/internal/corectx"
	"github.com/kestrelio/pinosd/internal/debugsrv"
	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/sockconn"

	"github.com/godbus/dbus/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/sys/unix"
)

func main() {
	socketPath := flag.String("socket", "", "control socket path (default: $XDG_RUNTIME_DIR/$PINOS_CORE)")
	debugAddr := flag.String("debug-addr", "127.0.0.1:9190", "introspection HTTP listen address (loopback only)")
	noBluetooth := flag.Bool("no-bluetooth", false, "skip BlueZ D-Bus backend bring-up")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.Load()
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("pinosd: shutting down")
		cancel()
	}()

	d := newDaemon(log, cfg)
	d.seedModules()

	if !*noBluetooth {
		if err := d.startBluetooth(cfg); err != nil {
			log.Warn("pinosd: bluetooth backend unavailable, continuing without it", "err", err)
		}
	}

	dbg := echo.New()
	dbg.HideBanner = true
	d.debug.Register(dbg)
	go func() {
		if err := dbg.Start(*debugAddr); err != nil {
			log.Debug("pinosd: debug server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dbg.Shutdown(shutdownCtx)
		d.debug.Shutdown(shutdownCtx)
	}()

	if err := d.listenAndServe(ctx, cfg.SocketPath); err != nil {
		log.Error("pinosd: listener failed", "err", err)
		os.Exit(1)
	}
}

// daemon bundles the server-side object registry, the live client
// connection table (for broadcasting registry events), and the
// optional Bluetooth backend.
type daemon struct {
	log  *slog.Logger
	core *corectx.Core

	hostName string
	userName string
	coreName string

	mu      sync.Mutex
	clients map[uint32]*clientConn

	btBackend            *bluetooth.Backend
	btDevices            map[string]*bluetooth.Device
	btEndpointsByAdapter map[string]bool

	debug *debugsrv.Server
}

// mediaEndpoint names one local MediaEndpoint1 object this daemon
// registers with BlueZ per adapter (spec.md §6: "Endpoint object paths
// used by this implementation are /MediaEndpoint/A2DPSink,
// /MediaEndpoint/A2DPSource, /MediaEndpointLE/BAPSink etc."). This
// implementation registers one sink endpoint per classic-audio family
// rather than the full sink+source matrix every codec supports;
// source-direction endpoints and the BAP/LE set are not wired here.
type mediaEndpoint struct {
	path  dbus.ObjectPath
	uuid  string
	codec bluetooth.Codec
	kind  bluetooth.CardProfileKind
}

var mediaEndpoints = []mediaEndpoint{
	{path: "/MediaEndpoint/A2DPSink", uuid: "0000110b-0000-1000-8000-00805f9b34fb", codec: bluetooth.CodecSBC, kind: bluetooth.CardA2DP},
	{path: "/MediaEndpoint/HSPHFP", uuid: "0000111e-0000-1000-8000-00805f9b34fb", codec: bluetooth.CodecMSBC, kind: bluetooth.CardHSPHFP},
}

type clientConn struct {
	conn *sockconn.Connection
	sess *corectx.Session
}

func newDaemon(log *slog.Logger, cfg config.Config) *daemon {
	d := &daemon{
		log:                  log,
		coreName:             cfg.CoreName,
		clients:              make(map[uint32]*clientConn),
		btDevices:            make(map[string]*bluetooth.Device),
		btEndpointsByAdapter: make(map[string]bool),
	}
	d.core = corectx.NewCore(log, d.broadcast)

	if h, err := os.Hostname(); err == nil {
		d.hostName = h
	}
	if u, err := user.Current(); err == nil {
		d.userName = u.Username
	}

	d.debug = debugsrv.New(log, d.objectSnapshots, d.deviceSnapshots, nil)
	return d
}

func (d *daemon) seedModules() {
	d.core.SeedStaticModules([]string{"core", "registry", "client-node", "bluez5"})
}

// broadcast implements corectx.Core's fan-out hook: it looks up the
// live connection for clientID and frames+queues the event, letting
// the connection's own flush path push it out.
func (d *daemon) broadcast(clientID, id uint32, opcode uint8, body []byte) {
	d.mu.Lock()
	cc, ok := d.clients[clientID]
	d.mu.Unlock()
	if !ok {
		return
	}
	dst := cc.conn.BeginWrite(len(body))
	copy(dst, body)
	cc.conn.EndWrite(id, opcode, len(body))
	if _, err := cc.conn.Flush(nil); err != nil {
		d.log.Debug("pinosd: broadcast flush failed", "client", clientID, "err", err)
	}
}

func (d *daemon) objectSnapshots() []debugsrv.ObjectSnapshot {
	globals := d.core.Globals()
	out := make([]debugsrv.ObjectSnapshot, 0, len(globals))
	for _, g := range globals {
		out = append(out, debugsrv.ObjectSnapshot{ID: g.ID, Type: g.Type, Version: g.Version, Properties: g.Properties})
	}
	return out
}

func (d *daemon) deviceSnapshots() []debugsrv.DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]debugsrv.DeviceSnapshot, 0, len(d.btDevices))
	for path, dev := range d.btDevices {
		cur := dev.CurrentProfile()
		out = append(out, debugsrv.DeviceSnapshot{
			Path:              path,
			Address:           dev.Address,
			Profiles:          uint32(dev.Profiles),
			ConnectedProfiles: uint32(dev.ConnectedProfiles),
			CurrentProfile:    cur.Kind.String(),
			SwitchingCodec:    dev.SwitchingCodec(),
		})
	}
	return out
}

// startBluetooth connects to BlueZ over D-Bus and starts tracking
// devices as they appear. The quirks rule file at cfg.QuirksPath() is
// loaded on a best-effort basis; its absence is not an error.
func (d *daemon) startBluetooth(cfg config.Config) error {
	backend, err := bluetooth.NewBackend(d.log)
	if err != nil {
		return err
	}
	d.btBackend = backend

	if data, err := os.ReadFile(cfg.QuirksPath()); err == nil {
		if _, err := bluetooth.ParseRuleSet(data); err != nil {
			d.log.Warn("pinosd: malformed quirks file, ignoring", "path", cfg.QuirksPath(), "err", err)
		}
	}

	backend.OnDeviceAdded(func(dev *bluetooth.Device) {
		d.mu.Lock()
		d.btDevices[dev.Path] = dev
		d.mu.Unlock()
		d.core.AddGlobal(protocol.TypeDevice, 0, map[string]string{
			"device.address": dev.Address,
			"device.adapter": dev.Adapter,
		})

		d.registerEndpointsOnce(dev.Adapter)
		d.autoSelectProfile(dev)
	})
	backend.OnDeviceRemoved(func(path string) {
		d.mu.Lock()
		delete(d.btDevices, path)
		d.mu.Unlock()
	})
	return nil
}

// registerEndpointsOnce registers this daemon's fixed MediaEndpoint1
// set (spec.md §6) with adapterPath the first time a device on that
// adapter is seen; BlueZ rejects a duplicate RegisterEndpoint call for
// a path already registered, so repeats are skipped.
func (d *daemon) registerEndpointsOnce(adapterPath string) {
	d.mu.Lock()
	already := d.btEndpointsByAdapter[adapterPath]
	d.btEndpointsByAdapter[adapterPath] = true
	d.mu.Unlock()
	if already {
		return
	}
	for _, ep := range mediaEndpoints {
		if err := d.btBackend.RegisterEndpoint(dbus.ObjectPath(adapterPath), ep.path, ep.uuid, ep.codec, nil); err != nil {
			d.log.Warn("pinosd: register media endpoint failed", "adapter", adapterPath, "path", ep.path, "err", err)
		}
	}
}

// autoSelectProfile picks the first card profile kind covered by
// dev's connected profiles and drives it through set_profile, wiring
// a real CodecSwitcher/EndpointNegotiator pair (spec.md §4.5/§4.6)
// against this daemon's registered endpoint for that kind. There is no
// session-manager component in this implementation to make this
// choice instead (SPEC_FULL.md's decision on this Open Question), so
// the daemon makes it automatically on every newly discovered device.
// Transport acquire/release/enumerate against BlueZ's MediaTransport1
// is not implemented here; release/reenumerate are
// no-ops matching the same simplification internal/bluetooth's own
// tests use.
func (d *daemon) autoSelectProfile(dev *bluetooth.Device) {
	var kind bluetooth.CardProfileKind
	switch {
	case dev.ConnectedProfiles&(bluetooth.ProfileA2DPSink|bluetooth.ProfileA2DPSource) != 0:
		kind = bluetooth.CardA2DP
	case dev.ConnectedProfiles&bluetooth.ProfileHeadsetHeadUnit != 0:
		kind = bluetooth.CardHSPHFP
	default:
		return
	}

	var ep mediaEndpoint
	found := false
	for _, candidate := range mediaEndpoints {
		if candidate.kind == kind {
			ep, found = candidate, true
			break
		}
	}
	if !found {
		return
	}

	sw := bluetooth.NewCodecSwitcher(d.log, bluetooth.NewEndpointNegotiator(d.btBackend, ep.path))
	idx := bluetooth.IndexOf(bluetooth.CardProfile{Kind: kind})
	releaseAll := func(transports []*bluetooth.Transport) {}
	reenumerate := func() []*bluetooth.Transport { return nil }
	if err := dev.SetProfile(idx, false, sw, releaseAll, reenumerate); err != nil {
		d.log.Warn("pinosd: auto profile select failed", "device", dev.Path, "err", err)
	}
}

// listenAndServe binds the control socket and accepts connections
// until ctx is cancelled.
func (d *daemon) listenAndServe(ctx context.Context, path string) error {
	listenFd, err := sockconn.ListenStream(path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		_ = closeFd(listenFd)
	}()

	d.log.Info("pinosd: listening", "socket", path)
	for {
		fd, err := sockconn.Accept(listenFd)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTransientAcceptErr(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		go d.serveConn(fd)
	}
}

func (d *daemon) serveConn(fd int) {
	pid, uid, gid, err := peerCreds(fd)
	if err != nil {
		d.log.Warn("pinosd: SO_PEERCRED failed, closing connection", "err", err)
		closeFd(fd)
		return
	}
	clientID := d.core.AddClient(pid, uid, gid)

	var cc *clientConn
	conn := sockconn.New(d.log, fd, func() {
		if cc != nil {
			_, _ = cc.conn.Flush(nil)
		}
	}, func(reason error) {
		d.log.Debug("pinosd: client disconnected", "client", clientID, "reason", reason)
		d.mu.Lock()
		delete(d.clients, clientID)
		d.mu.Unlock()
		if cc != nil {
			cc.sess.Close()
		}
		d.core.RemoveClient(clientID)
	})

	sess := corectx.NewSession(d.log, d.core, conn, clientID, d.userName, d.hostName, d.coreName, "0.1")
	cc = &clientConn{conn: conn, sess: sess}
	d.mu.Lock()
	d.clients[clientID] = cc
	d.mu.Unlock()

	_, _ = conn.Flush(nil) // push core.info/update_types sent during NewSession

	dispatch := func(msg sockconn.Message) {
		sess.HandleMethod(msg.Header.ID, msg.Header.Opcode, msg.Body, msg.Fds)
		_, _ = conn.Flush(sess.TakePendingFds())
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for conn.State() == sockconn.StateOpen {
		n, err := unix.Poll(pfd, 1000)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			break
		}
		if n == 0 {
			continue // idle tick, let the State() check above notice shutdown
		}
		if err := conn.ReadMessages(dispatch); err != nil {
			break
		}
	}
}
