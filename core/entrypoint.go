package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/encodeous/dockmesh/perf"
	"github.com/encodeous/dockmesh/state"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

// ErrShutdown is the cancellation cause of a node that was asked to stop.
var ErrShutdown = errors.New("shutdown requested")

// Node is a running routing daemon.
type Node struct {
	*state.State
	dispatch chan func(*state.State) error
}

func ReadNodeConfig(nodePath string) (*state.NodeCfg, error) {
	var nodeCfg state.NodeCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, err
	}
	state.ExpandNodeConfig(&nodeCfg)
	return &nodeCfg, nil
}

// NewLogger builds the console logger, fanned out to logPath if it is set.
func NewLogger(id state.NodeId, level slog.Level, logPath string) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: string(id),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}).WithAttrs([]slog.Attr{slog.String("node", string(id))}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start runs a node over UDP multicast until it receives SIGINT or SIGTERM.
func Start(cfg state.NodeCfg, logLevel slog.Level, debugAddr string) error {
	state.ExpandNodeConfig(&cfg)
	logger, err := NewLogger(cfg.Id, logLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	if debugAddr != "" {
		go func() {
			logger.Info("serving debug endpoints", "addr", debugAddr)
			logger.Warn("debug server stopped", "err", http.ListenAndServe(debugAddr, nil))
		}()
	}

	n, err := New(cfg, logger, NewUDPTransport(&cfg, logger))
	if err != nil {
		return err
	}
	n.Log.Info("dockmesh has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			n.Cancel(ErrShutdown)
		case <-n.Context.Done():
			return
		}
	}()

	return n.Run()
}

// New validates cfg and initializes a node on top of transport. Nothing is
// processed until Run is called.
func New(cfg state.NodeCfg, logger *slog.Logger, transport state.Transport) (*Node, error) {
	state.ExpandNodeConfig(&cfg)
	if err := state.NodeConfigValidator(&cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, state.DispatchBuffer)

	s := &state.State{
		Modules: make(map[string]state.NyModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			NodeCfg:         cfg,
			Transport:       transport,
			Log:             logger,
		},
	}

	s.Log.Debug("init modules")
	err := initModules(s)
	if err != nil {
		Stop(s)
		return nil, err
	}
	s.Log.Debug("init modules complete")
	return &Node{State: s, dispatch: dispatch}, nil
}

// Run processes the node's events until it is closed or fails. It returns nil
// after Close.
func (n *Node) Run() error {
	MainLoop(n.State, n.dispatch)
	cause := context.Cause(n.Context)
	if errors.Is(cause, ErrShutdown) || errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

func (n *Node) Close() {
	n.Cancel(ErrShutdown)
}

func initModules(s *state.State) error {
	var modules []state.NyModule
	modules = append(modules, &Trace{})
	modules = append(modules, &ForwardTable{})
	modules = append(modules, &MeshRouter{})
	modules = append(modules, &LinkMgr{})
	modules = append(modules, &IPC{})

	for _, module := range modules {
		name := reflect.TypeOf(module).String()
		s.Modules[name] = module
		s.ModuleOrder = append(s.ModuleOrder, name)
		if err := module.Init(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Debug("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	s.Log.Debug("cleaning up modules")
	for _, moduleName := range slices.Backward(s.ModuleOrder) {
		err := s.Modules[moduleName].Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Debug("stopped")
}
