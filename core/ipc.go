package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/encodeous/dockmesh/state"
)

// IPC serves inspect requests on a unix socket
type IPC struct {
	ln   net.Listener
	path string
}

func IPCGet(path string) (string, error) {
	return ipcRequest(path, "inspect\n")
}

// IPCRoute asks the node at path how it reaches addr.
func IPCRoute(path string, addr netip.Addr) (string, error) {
	return ipcRequest(path, fmt.Sprintf("route %s\n", addr))
}

func ipcRequest(path string, req string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	_, err = rw.WriteString(req)
	if err != nil {
		return "", err
	}
	err = rw.Flush()
	if err != nil {
		return "", err
	}

	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSuffix(res, "\x00"), nil
}

func (i *IPC) Init(s *state.State) error {
	if s.IpcPath == "" {
		return nil
	}
	// a stale socket from a previous run would fail the bind
	if err := os.Remove(s.IpcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", s.IpcPath)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.IpcPath, err)
	}
	i.ln = ln
	i.path = s.IpcPath
	s.Log.Info("serving inspect requests", "path", s.IpcPath)
	go i.serve(s.Env)
	return nil
}

func (i *IPC) Cleanup(s *state.State) error {
	if i.ln == nil {
		return nil
	}
	err := i.ln.Close()
	_ = os.Remove(i.path)
	return err
}

func (i *IPC) serve(e *state.Env) {
	for {
		conn, err := i.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.Log.Warn("ipc accept failed", "err", err)
			}
			return
		}
		go func() {
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
			if err := HandleIPCGet(e, rw); err != nil {
				e.Log.Debug("ipc request failed", "err", err)
			}
		}()
	}
}

func HandleIPCGet(e *state.Env, rw *bufio.ReadWriter) error {
	cmd, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	var render func(s *state.State) string
	if arg, ok := strings.CutPrefix(cmd, "route "); ok {
		addr, err := netip.ParseAddr(strings.TrimSpace(arg))
		if err != nil {
			return err
		}
		render = func(s *state.State) string {
			return Route(s, addr)
		}
	} else if cmd == "inspect\n" {
		render = Inspect
	} else {
		return fmt.Errorf("unknown command %s", cmd)
	}

	res, err := e.DispatchWait(func(s *state.State) (any, error) {
		return render(s), nil
	})
	if err != nil {
		return err
	}
	_, err = rw.WriteString(res.(string))
	if err != nil {
		return err
	}
	err = rw.WriteByte(0)
	if err != nil {
		return err
	}
	return rw.Flush()
}

// Route renders the record and next hop for addr. It must run on the
// dispatch goroutine.
func Route(s *state.State, addr netip.Addr) string {
	sb := strings.Builder{}
	rec, ok := s.Table.Lookup(addr)
	switch {
	case ok:
		sb.WriteString(fmt.Sprintf("record: %s\n", rec))
	case s.Table.Stubbed():
		gw, _ := s.Table.DefaultGateway()
		sb.WriteString(fmt.Sprintf("record: %s via [%s] (default)\n", s.Table.DefaultRoute(), gw))
	default:
		sb.WriteString(fmt.Sprintf("no route to %s\n", addr))
		return sb.String()
	}
	if ft, ok := TryGet[*ForwardTable](s); ok {
		if gw, ok := ft.NextHop(addr); ok {
			sb.WriteString(fmt.Sprintf("next hop: %s\n", gw))
		}
	}
	return sb.String()
}

// Inspect renders the node's routing state. It must run on the dispatch goroutine.
func Inspect(s *state.State) string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Node %s (%s)\n", s.Id, s.Family))

	sb.WriteString("\nInterfaces:\n")
	lm, hasLinks := TryGet[*LinkMgr](s)
	for _, itf := range s.Interfaces {
		status := "down"
		if s.IsLive(itf.Name) {
			status = "up"
			if hasLinks {
				if since, ok := lm.LiveSince(itf.Name); ok {
					status = fmt.Sprintf("up %s", time.Since(since).Truncate(time.Second))
				}
			}
		}
		sb.WriteString(fmt.Sprintf(" - %s (%s): %s, outstanding calls %d\n", itf.Name, itf.Device, status, s.Outstanding[itf.Name]))
	}

	sb.WriteString("\nProtocol:\n")
	sb.WriteString(fmt.Sprintf(" - synchronized: %t (counter %d)\n", s.Table.IsSynchronized(), s.Table.CallCounter()))
	sb.WriteString(fmt.Sprintf(" - stub: %t, collapsed: %t\n", s.Table.IsStub(), s.Table.Stubbed()))
	stubs := s.Table.StubAdvertisers()
	if len(stubs) > 0 {
		sb.WriteString(fmt.Sprintf(" - stub neighbours: %v\n", stubs))
	}

	sb.WriteString("\nRouting Table:\n")
	sb.WriteString(s.Table.String())
	return sb.String()
}
