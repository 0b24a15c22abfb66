//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/sim"
	"github.com/encodeous/dockmesh/state"
	"github.com/goccy/go-yaml"
	"github.com/testcontainers/testcontainers-go"
	tcnetwork "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	ImageName   = "dockmesh-debug:latest"
	WaitTimeout = 2 * time.Minute
	IPCPath     = "/app/dockmesh.sock"
	// needs docker engine 28 or newer
	ifnameOpt = "com.docker.network.endpoint.ifname"
)

var cableSubnets atomic.Uint32

// Cable is a docker bridge network with exactly two dock connectors on it.
type Cable struct {
	Ends    state.Pair[sim.Endpoint, sim.Endpoint]
	Network *testcontainers.DockerNetwork
}

func (c *Cable) String() string {
	return fmt.Sprintf("%s <-> %s", c.Ends.V1, c.Ends.V2)
}

func (c *Cable) end(node state.NodeId) (sim.Endpoint, bool) {
	switch node {
	case c.Ends.V1.Node:
		return c.Ends.V1, true
	case c.Ends.V2.Node:
		return c.Ends.V2, true
	}
	return sim.Endpoint{}, false
}

// Harness runs dockmesh nodes in containers. Every cable is its own bridge
// network, and the container side of it is named after the connector.
type Harness struct {
	t          *testing.T
	mu         sync.Mutex
	ctx        context.Context
	docker     *testcontainers.DockerClient
	Cables     []*Cable
	Nodes      map[state.NodeId]testcontainers.Container
	LogManager *LogManager
	RootDir    string
}

// projectRoot walks up from the working directory to the module root.
func projectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod above %s", dir)
		}
		dir = parent
	}
}

// BuildImage builds the debug stage of the module's Dockerfile as ImageName.
// Creating an unstarted container is what triggers the build.
func BuildImage(ctx context.Context) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	repo, tag, _ := strings.Cut(ImageName, ":")
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			FromDockerfile: testcontainers.FromDockerfile{
				Context:    root,
				Dockerfile: "Dockerfile",
				KeepImage:  true,
				Repo:       repo,
				Tag:        tag,
				BuildOptionsModifier: func(opts *build.ImageBuildOptions) {
					opts.Target = "debug"
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("building %s: %w", ImageName, err)
	}
	return c.Terminate(ctx)
}

func NewHarness(t *testing.T) *Harness {
	ctx := context.Background()
	rootDir, err := projectRoot()
	if err != nil {
		t.Fatal(err)
	}
	docker, err := testcontainers.NewDockerClientWithOpts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h := &Harness{
		t:          t,
		ctx:        ctx,
		docker:     docker,
		Nodes:      make(map[state.NodeId]testcontainers.Container),
		LogManager: NewLogManager(),
		RootDir:    rootDir,
	}
	t.Cleanup(h.Cleanup)
	return h
}

// Connect lays a cable between two connectors written as "node:itf". Cables
// must be laid before the nodes on them start.
func (h *Harness) Connect(a, b string) *Cable {
	epA, err := sim.ParseEndpoint(a)
	if err != nil {
		h.t.Fatal(err)
	}
	epB, err := sim.ParseEndpoint(b)
	if err != nil {
		h.t.Fatal(err)
	}
	n := cableSubnets.Add(1)
	nw, err := tcnetwork.New(h.ctx,
		tcnetwork.WithAttachable(),
		tcnetwork.WithInternal(),
		tcnetwork.WithDriver("bridge"),
		tcnetwork.WithEnableIPv6(),
		tcnetwork.WithIPAM(&network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{
				{Subnet: fmt.Sprintf("fd00:d0c:%x::/64", n)},
			},
		}))
	if err != nil {
		h.t.Fatalf("failed to create cable %s-%s: %v", a, b, err)
	}
	c := &Cable{Ends: state.Pair[sim.Endpoint, sim.Endpoint]{V1: epA, V2: epB}, Network: nw}
	h.mu.Lock()
	h.Cables = append(h.Cables, c)
	h.mu.Unlock()
	return c
}

// Cut unplugs both ends of the cable.
func (h *Harness) Cut(c *Cable) {
	for _, ep := range []sim.Endpoint{c.Ends.V1, c.Ends.V2} {
		h.mu.Lock()
		ctr, ok := h.Nodes[ep.Node]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if err := h.docker.NetworkDisconnect(h.ctx, c.Network.ID, ctr.GetContainerID(), true); err != nil {
			h.t.Fatalf("failed to cut %s: %v", c, err)
		}
	}
}

func (h *Harness) nodeCables(id state.NodeId) []state.Pair[rtable.InterfaceId, *Cable] {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []state.Pair[rtable.InterfaceId, *Cable]
	for _, c := range h.Cables {
		if ep, ok := c.end(id); ok {
			out = append(out, state.Pair[rtable.InterfaceId, *Cable]{V1: ep.Interface, V2: c})
		}
	}
	slices.SortFunc(out, func(a, b state.Pair[rtable.InterfaceId, *Cable]) int {
		return strings.Compare(string(a.V1), string(b.V1))
	})
	return out
}

// NodeConfig builds the config of a node with a connector for each cable
// plugged into it.
func (h *Harness) NodeConfig(id state.NodeId, prefixes ...string) state.NodeCfg {
	family := state.FamilyIPv6
	var addrs []netip.Prefix
	for _, p := range prefixes {
		addrs = append(addrs, netip.MustParsePrefix(p))
	}
	if len(addrs) > 0 && addrs[0].Addr().Is4() {
		family = state.FamilyIPv4
	}
	cfg := state.SampleNodeConfig(id, family)
	cfg.Addresses = addrs
	cfg.Interfaces = nil
	for _, c := range h.nodeCables(id) {
		cfg.Interfaces = append(cfg.Interfaces, state.InterfaceCfg{Name: c.V1})
	}
	cfg.AdvertiseInterval = state.Duration(200 * time.Millisecond)
	cfg.LinkTimeout = state.Duration(time.Second)
	cfg.IpcPath = IPCPath
	return cfg
}

// StartNode starts a container running `dockmesh run` with cfg.
func (h *Harness) StartNode(cfg state.NodeCfg) testcontainers.Container {
	name := string(cfg.Id)
	h.t.Logf("Starting node %s owning %v", name, cfg.Addresses)
	cfgPath := h.WriteConfig(h.SetupTestDir(), name+".yaml", cfg)

	cables := h.nodeCables(cfg.Id)
	networks := make([]string, 0, len(cables))
	ifnames := make(map[string]string, len(cables))
	for _, c := range cables {
		networks = append(networks, c.V2.Network.Name)
		ifnames[c.V2.Network.Name] = string(c.V1)
	}

	req := testcontainers.ContainerRequest{
		Image:    ImageName,
		Networks: networks,
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      cfgPath,
				ContainerFilePath: "/app/config/node.yaml",
				FileMode:          0644,
			},
		},
		WaitingFor: wait.ForLog("dockmesh has been initialized").WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hostConfig *container.HostConfig) {
			hostConfig.Sysctls = map[string]string{
				"net.ipv6.conf.all.disable_ipv6": "0",
			}
		},
		EndpointSettingsModifier: func(m map[string]*network.EndpointSettings) {
			for nw, itf := range ifnames {
				s, ok := m[nw]
				if !ok {
					continue
				}
				if s.DriverOpts == nil {
					s.DriverOpts = make(map[string]string)
				}
				s.DriverOpts[ifnameOpt] = itf
			}
		},
		LogConsumerCfg: &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{
				&UnifiedLogConsumer{Node: name, Manager: h.LogManager},
			},
		},
		Name: h.containerName(name),
	}
	ctr, err := testcontainers.GenericContainer(h.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		h.t.Fatalf("failed to start container %s: %v", name, err)
	}
	h.mu.Lock()
	h.Nodes[cfg.Id] = ctr
	h.mu.Unlock()
	return ctr
}

// StartNodes starts the nodes in parallel.
func (h *Harness) StartNodes(cfgs ...state.NodeCfg) {
	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		wg.Go(func() {
			h.StartNode(cfg)
		})
	}
	wg.Wait()
}

func (h *Harness) containerName(node string) string {
	return strings.ReplaceAll(h.t.Name(), "/", "_") + "-" + node
}

func (h *Harness) WaitForLog(node state.NodeId, pattern string) {
	h.waitFor(node, SourceStderr, pattern, false)
}

func (h *Harness) WaitForMatch(node state.NodeId, pattern string) {
	h.waitFor(node, SourceStderr, pattern, true)
}

func (h *Harness) waitFor(node state.NodeId, source LogSource, pattern string, isRegex bool) {
	sub, err := h.LogManager.Subscribe(string(node), source, pattern, isRegex)
	if err != nil {
		h.t.Fatalf("failed to subscribe: %v", err)
	}
	defer h.LogManager.Unsubscribe(sub)

	select {
	case <-sub.MatchCh:
	case <-time.After(WaitTimeout):
		h.t.Fatalf("timed out waiting for %s pattern %q in node %s", source, pattern, node)
	case <-h.ctx.Done():
		h.t.Fatal("context canceled")
	}
}

// Inspect asks the node for its routing state over the inspect socket.
func (h *Harness) Inspect(node state.NodeId) (string, error) {
	stdout, _, err := h.Exec(node, []string{"dockmesh", "inspect", IPCPath})
	return stdout, err
}

// WaitForRoute polls the node until gw is the best gateway of its record for
// prefix.
func (h *Harness) WaitForRoute(node state.NodeId, prefix string, gw rtable.Gateway) {
	want := prefix + " via [" + gw.String()
	deadline := time.Now().Add(WaitTimeout)
	last := ""
	for time.Now().Before(deadline) {
		out, err := h.Inspect(node)
		if err == nil {
			last = out
			for _, line := range strings.Split(out, "\n") {
				_, rec, ok := strings.Cut(line, ": ")
				if ok && (strings.HasPrefix(rec, want+" ") || strings.HasPrefix(rec, want+"]")) {
					return
				}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	h.t.Fatalf("%s never routed %s via %s, last state:\n%s", node, prefix, gw, last)
}

func (h *Harness) Exec(node state.NodeId, cmd []string) (string, string, error) {
	h.mu.Lock()
	ctr, ok := h.Nodes[node]
	h.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("node %s not found", node)
	}

	code, r, err := ctr.Exec(h.ctx, cmd)
	if err != nil {
		return "", "", err
	}
	stdoutBuf := new(bytes.Buffer)
	stderrBuf := new(bytes.Buffer)
	if _, err := stdcopy.StdCopy(stdoutBuf, stderrBuf, r); err != nil {
		return "", "", fmt.Errorf("failed to copy output: %w", err)
	}
	stdout := StripAnsi(stdoutBuf.String())
	stderr := StripAnsi(stderrBuf.String())
	if code != 0 {
		return stdout, stderr, fmt.Errorf("command exited with code %d: %s\nStderr: %s", code, stdout, stderr)
	}
	return stdout, stderr, nil
}

func (h *Harness) PrintLogs(node state.NodeId) {
	h.t.Logf("Logs for %s:\n%s", node, h.LogManager.History(string(node), SourceStderr))
}

func (h *Harness) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, c := range h.Nodes {
		if err := c.Terminate(h.ctx); err != nil {
			h.t.Logf("failed to terminate container %s: %v", name, err)
		}
	}
	for _, c := range h.Cables {
		if err := c.Network.Remove(context.Background()); err != nil {
			h.t.Logf("failed to remove cable %s: %v", c, err)
		}
	}
	if err := h.docker.Close(); err != nil {
		h.t.Logf("failed to close docker client: %v", err)
	}
}

// SetupTestDir creates a directory for the current test run
func (h *Harness) SetupTestDir() string {
	dir := filepath.Join(h.RootDir, "e2e", "runs", h.t.Name())
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.t.Fatal(err)
	}
	return dir
}

// WriteConfig marshals the config to YAML and writes it to the specified directory with the given filename
func (h *Harness) WriteConfig(dir, filename string, cfg any) string {
	path := filepath.Join(dir, filename)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		h.t.Fatal(err)
	}
	return path
}
