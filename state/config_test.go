package state

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYaml = `
id: arm-3
family: ipv4
addresses:
  - 10.3.0.1/32
  - 10.3.1.7/24
interfaces:
  - name: rd0
  - name: rd1
    device: eth1
advertise_interval: 250ms
stub_collapse: true
`

func TestNodeConfigUnmarshal(t *testing.T) {
	var cfg NodeCfg
	require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &cfg))
	ExpandNodeConfig(&cfg)

	assert.Equal(t, NodeId("arm-3"), cfg.Id)
	assert.Equal(t, FamilyIPv4, cfg.Family)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.3.0.1/32"),
		netip.MustParsePrefix("10.3.1.0/24"),
	}, cfg.Addresses)
	assert.Equal(t, []InterfaceCfg{
		{Name: "rd0", Device: "rd0"},
		{Name: "rd1", Device: "eth1"},
	}, cfg.Interfaces)
	assert.Equal(t, DefaultGroup, cfg.Group)
	assert.Equal(t, uint16(DefaultPort), cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.AdvertiseInterval.D())
	assert.Equal(t, 750*time.Millisecond, cfg.LinkTimeout.D())
	assert.Equal(t, MaxCost, cfg.MaxCost)
	assert.True(t, cfg.StubCollapse)
	assert.NoError(t, NodeConfigValidator(&cfg))
}

func TestNodeConfigRoundTrip(t *testing.T) {
	cfg := SampleNodeConfig("core", FamilyIPv6)
	out, err := yaml.Marshal(&cfg)
	require.NoError(t, err)

	var parsed NodeCfg
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, cfg, parsed)
	assert.NoError(t, NodeConfigValidator(&parsed))
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.D())
	txt, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(txt))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestGetInterface(t *testing.T) {
	cfg := SampleNodeConfig("core", FamilyIPv6)
	assert.Equal(t, []rtable.InterfaceId{"rd0", "rd1", "rd2", "rd3", "rd4", "rd5"}, cfg.InterfaceNames())
	require.NotNil(t, cfg.GetInterface("rd2"))
	assert.Equal(t, "rd2", cfg.GetInterface("rd2").Device)
	assert.Nil(t, cfg.GetInterface("rd9"))
}
