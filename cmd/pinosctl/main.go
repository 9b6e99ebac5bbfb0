// Command pinosctl is an introspection CLI for a running pinosd: it
// dials the control socket, runs the bootstrap handshake, and prints
// the registry's current globals.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kestrelio/pinosd/internal/config"
	"github.com/kestrelio/pinosd/internal/corectx"
	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/proxy"
	"github.com/kestrelio/pinosd/internal/sockconn"
	"github.com/kestrelio/pinosd/internal/wire"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

const version = "0.1"

func main() {
	if len(os.Args) > 1 {
		if runCLI(os.Args[1:]) {
			return
		}
	}
	usage()
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pinosctl <command>\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  version     print the client version\n")
	fmt.Fprintf(os.Stderr, "  list        list live registry globals\n")
	fmt.Fprintf(os.Stderr, "  info        print core.info\n")
}

// runCLI dispatches one subcommand, mirroring the teacher's
// RunCLI(args, ...) returning whether a subcommand was handled.
func runCLI(args []string) bool {
	switch args[0] {
	case "version":
		fmt.Printf("pinosctl %s\n", version)
		return true
	case "list":
		cliList(args[1:])
		return true
	case "info":
		cliInfo(args[1:])
		return true
	default:
		return false
	}
}

// out returns a colorable writer, matching the teacher's pairing of
// go-isatty (to decide whether to color at all) with go-colorable (to
// make ANSI codes work on every platform when it does).
func out() (w *os.File, colorize bool) {
	return os.Stdout, isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func cliList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	socketPath := fs.String("socket", "", "control socket path (default: from environment)")
	fs.Parse(args)

	globals, err := fetchGlobals(resolveSocket(*socketPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pinosctl: %v\n", err)
		os.Exit(1)
	}

	_, colorize := out()
	cw := colorable.NewColorable(os.Stdout)
	for _, g := range globals {
		if colorize {
			fmt.Fprintf(cw, "  \x1b[36m%3d\x1b[0m  %s\n", g.ID, g.Type)
		} else {
			fmt.Fprintf(cw, "  %3d  %s\n", g.ID, g.Type)
		}
	}
	if len(globals) == 0 {
		fmt.Fprintln(cw, "no globals")
	}
}

func cliInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	socketPath := fs.String("socket", "", "control socket path (default: from environment)")
	fs.Parse(args)

	info, err := fetchCoreInfo(resolveSocket(*socketPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pinosctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("name: %s\ncookie: %s\nuser: %s\nhost: %s\nversion: %s\n",
		info.Name, info.Cookie, info.UserName, info.HostName, info.Version)
}

func resolveSocket(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return config.Load().SocketPath
}

// session is a bootstrapped, readable connection to pinosd shared by
// the list/info subcommands.
type session struct {
	conn *sockconn.Connection
	ctx  *corectx.Context
}

func dial(path string) (*session, error) {
	fd, err := sockconn.DialStream(path)
	if err != nil {
		return nil, err
	}
	conn := sockconn.New(slog.Default(), fd, nil, nil)
	reg := proxy.NewRegistry()
	reg.Register(&proxy.Interface{Name: protocol.TypeCore, TypeID: 0, Events: make([]proxy.EventHandler, 5)})
	reg.Register(&proxy.Interface{Name: protocol.TypeRegistry, TypeID: 1, Events: make([]proxy.EventHandler, 2)})
	ctx := corectx.NewContext(slog.Default(), nil, conn, reg)
	return &session{conn: conn, ctx: ctx}, nil
}

// fetchGlobals bootstraps, syncs, and collects every registry.global
// event that arrives before the matching core.done.
func fetchGlobals(path string) ([]protocol.Global, error) {
	s, err := dial(path)
	if err != nil {
		return nil, err
	}
	defer s.conn.Close()

	var globals []protocol.Global
	registryID := s.ctx.Bootstrap(clientProps())
	if _, err := s.conn.Flush(nil); err != nil {
		return nil, err
	}

	registryProxy, _ := s.ctx.Proxy(registryID)
	registryProxy.Iface.Events[protocol.RegistryEventGlobal] = func(p *proxy.Proxy, body []byte, fds []int) bool {
		it := wire.NewIterator(body)
		idRec, ok, err := it.Next()
		if err != nil || !ok {
			return false
		}
		id, err := idRec.AsID()
		if err != nil {
			return false
		}
		typeRec, ok, err := it.Next()
		if err != nil || !ok {
			return false
		}
		typeName, err := typeRec.AsString()
		if err != nil {
			return false
		}
		globals = append(globals, protocol.Global{ID: id, Type: typeName})
		return true
	}

	done := make(chan struct{})
	s.ctx.Sync(func() { close(done) })
	if _, err := s.conn.Flush(nil); err != nil {
		return nil, err
	}

	if err := pumpUntil(s.conn, s.ctx, done, 2*time.Second); err != nil {
		return nil, err
	}
	return globals, nil
}

// fetchCoreInfo bootstraps just far enough to receive core.info.
func fetchCoreInfo(path string) (protocol.CoreInfo, error) {
	s, err := dial(path)
	if err != nil {
		return protocol.CoreInfo{}, err
	}
	defer s.conn.Close()

	var info protocol.CoreInfo
	got := make(chan struct{})
	corep, _ := s.ctx.Proxy(0)
	corep.Iface.Events[protocol.CoreEventInfo] = func(p *proxy.Proxy, body []byte, fds []int) bool {
		rec, ok, err := wire.NewIterator(body).Next()
		if err != nil || !ok {
			return false
		}
		inner, err := rec.AsStruct()
		if err != nil {
			return false
		}
		fields := []*string{&info.Cookie, &info.UserName, &info.HostName, &info.Version, &info.Name}
		idRec, ok, err := inner.Next()
		if err != nil || !ok {
			return false
		}
		if id, err := idRec.AsID(); err == nil {
			info.ID = id
		}
		for _, f := range fields {
			r, ok, err := inner.Next()
			if err != nil || !ok {
				return false
			}
			s, err := r.AsString()
			if err != nil {
				return false
			}
			*f = s
		}
		close(got)
		return true
	}

	s.ctx.Bootstrap(clientProps())
	if _, err := s.conn.Flush(nil); err != nil {
		return protocol.CoreInfo{}, err
	}

	if err := pumpUntil(s.conn, s.ctx, got, 2*time.Second); err != nil {
		return protocol.CoreInfo{}, err
	}
	return info, nil
}

func clientProps() map[string]string {
	hostName, _ := os.Hostname()
	return map[string]string{
		"application.name": "pinosctl",
		"application.host": hostName,
	}
}

// pumpUntil polls the connection and dispatches events to ctx until
// done closes or timeout elapses.
func pumpUntil(conn *sockconn.Connection, ctx *corectx.Context, done <-chan struct{}, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	pfd := []unix.PollFd{{Fd: int32(conn.Fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-done:
			return nil
		default:
		}
		if time.Now().After(deadline) {
			return errors.New("pinosctl: timed out waiting for server reply")
		}
		n, err := unix.Poll(pfd, 200)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if err := conn.ReadMessages(func(msg sockconn.Message) {
			ctx.HandleEvent(msg.Header.ID, msg.Header.Opcode, msg.Body, msg.Fds)
		}); err != nil {
			return err
		}
	}
}
