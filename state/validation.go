package state

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/encodeous/dockmesh/rtable"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

// InterfaceNameValidator checks that a connector name fits the fixed-size name
// field the routing table stores.
func InterfaceNameValidator(name rtable.InterfaceId) error {
	err := NameValidator(string(name))
	if err != nil {
		return err
	}
	if name == rtable.SelfInterface {
		return fmt.Errorf("interface name %s is reserved", name)
	}
	if len(name) > rtable.MaxInterfaceLen {
		return fmt.Errorf("interface name %s is longer than %d bytes", name, rtable.MaxInterfaceLen)
	}
	return nil
}

func NodeConfigValidator(node *NodeCfg) error {
	err := NameValidator(string(node.Id))
	if err != nil {
		return err
	}
	if node.Family != FamilyIPv6 && node.Family != FamilyIPv4 {
		return fmt.Errorf("family must be %s or %s, got %q", FamilyIPv6, FamilyIPv4, node.Family)
	}
	if len(node.Addresses) == 0 {
		return fmt.Errorf("node %s must own at least one address", node.Id)
	}
	for _, p := range node.Addresses {
		if !p.IsValid() {
			return fmt.Errorf("address %s is invalid", p)
		}
		if rtable.AddrLen(p) != node.Family.AddrLen() {
			return fmt.Errorf("address %s is not in family %s", p, node.Family)
		}
	}
	if len(node.Interfaces) == 0 {
		return fmt.Errorf("node %s has no interfaces", node.Id)
	}
	names := make([]rtable.InterfaceId, 0)
	for _, itf := range node.Interfaces {
		if err := InterfaceNameValidator(itf.Name); err != nil {
			return err
		}
		if slices.Contains(names, itf.Name) {
			return fmt.Errorf("duplicate interface found: %s", itf.Name)
		}
		names = append(names, itf.Name)
	}
	if !node.Group.Is6() || !node.Group.IsMulticast() {
		return fmt.Errorf("group %s is not an ipv6 multicast address", node.Group)
	}
	if node.Port == 0 {
		return fmt.Errorf("node.Port is invalid")
	}
	if node.AdvertiseInterval <= 0 {
		return fmt.Errorf("advertise_interval must be positive")
	}
	if node.LinkTimeout <= node.AdvertiseInterval {
		return fmt.Errorf("link_timeout %s must be longer than advertise_interval %s", node.LinkTimeout.D(), node.AdvertiseInterval.D())
	}
	if node.LogPath != "" {
		if err := PathValidator(node.LogPath); err != nil {
			return fmt.Errorf("invalid log_path: %w", err)
		}
	}
	if node.IpcPath != "" {
		if err := PathValidator(node.IpcPath); err != nil {
			return fmt.Errorf("invalid ipc_path: %w", err)
		}
	}
	return nil
}
