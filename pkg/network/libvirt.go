// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
)

// Mode is the forward mode of a libvirt network.
type Mode string

const (
	// ModeBridge attaches guests to an existing Linux bridge.
	ModeBridge Mode = "bridge"
	// ModeNAT lets libvirt create a bridge and masquerade guest traffic.
	ModeNAT Mode = "nat"
	// ModeIsolated lets libvirt create a bridge without any forwarding.
	ModeIsolated Mode = "isolated"
)

// Config describes a libvirt network.
type Config struct {
	Name string
	// BridgeName is the existing Linux bridge used in bridge mode.
	BridgeName string
	// Mode defaults to ModeNAT.
	Mode Mode
	// IPAddress is the address of the host on the network in NAT and isolated mode.
	IPAddress string
	Netmask   string
	// DHCPStart and DHCPEnd bound the dynamic range. Defaults to .100-.254 of the host address.
	DHCPStart string
	DHCPEnd   string
}

// Info is the observed state of a libvirt network.
type Info struct {
	Name       string
	BridgeName string
	Mode       Mode
	IsActive   bool
	Autostart  bool
	// Hosts are the DHCP reservations of the network.
	Hosts []Host
	// Records are the DNS host entries of the network.
	Records []DNSRecord
}

// Manager manages libvirt virtual networks.
type Manager struct {
	conn *libvirt.Connect
}

// NewManager returns a Manager using conn. The connection is owned by the caller.
func NewManager(conn *libvirt.Connect) *Manager {
	return &Manager{conn: conn}
}

// Ensure creates the network when it does not exist and makes sure it is active.
func (m *Manager) Ensure(ctx context.Context, cfg Config) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if cfg.Name == "" {
		return ErrNetworkNameRequired
	}

	info, err := m.Get(ctx, cfg.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if info != nil {
		return m.ensureActive(cfg.Name)
	}

	networkXML, err := GenerateNetworkXML(cfg)
	if err != nil {
		return err
	}

	network, err := m.conn.NetworkDefineXML(networkXML)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}

	// not critical
	_ = network.SetAutostart(true)

	slog.Info("created libvirt network", "network", cfg.Name, "mode", cfg.Mode)
	return nil
}

func (m *Manager) ensureActive(name string) error {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("%w: %v", ErrStartNetwork, err)
		}
		slog.Info("started libvirt network", "network", name)
	}
	return nil
}

// Get returns the state of a network, or ErrNetworkNotFound.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	network, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = network.Free() }()

	isActive, err := network.IsActive()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	autostart, err := network.GetAutostart()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	def, err := networkDef(network)
	if err != nil {
		return nil, err
	}

	info := infoFromDef(def)
	info.IsActive = isActive
	info.Autostart = autostart
	return info, nil
}

func infoFromDef(def *libvirtxml.Network) *Info {
	info := &Info{
		Name:    def.Name,
		Mode:    ModeIsolated,
		Hosts:   dhcpHosts(def),
		Records: dnsRecords(def),
	}
	if def.Bridge != nil {
		info.BridgeName = def.Bridge.Name
	}
	if def.Forward != nil {
		info.Mode = Mode(def.Forward.Mode)
	}
	return info
}

// Delete destroys and undefines a network. Deleting a missing network is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	if m.conn == nil {
		return ErrConnNil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	network, err := m.lookup(name)
	if errors.Is(err, ErrNetworkNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	if active {
		if err := network.Destroy(); err != nil {
			return fmt.Errorf("%w: %v", ErrDestroyNetwork, err)
		}
	}
	if err := network.Undefine(); err != nil {
		return fmt.Errorf("%w: %v", ErrUndefineNetwork, err)
	}

	slog.Info("deleted libvirt network", "network", name)
	return nil
}

func (m *Manager) lookup(name string) (*libvirt.Network, error) {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_NETWORK {
			return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	return network, nil
}

func networkDef(network *libvirt.Network) (*libvirtxml.Network, error) {
	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	var def libvirtxml.Network
	if err := def.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("%w: parsing network XML: %v", ErrCheckNetwork, err)
	}
	return &def, nil
}

// GenerateNetworkXML returns the XML of the network described by cfg.
func GenerateNetworkXML(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", ErrNetworkNameRequired
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNAT
	}

	network := &libvirtxml.Network{
		Name: cfg.Name,
	}

	switch cfg.Mode {
	case ModeBridge:
		if cfg.BridgeName == "" {
			return "", fmt.Errorf("%w: bridge name required for bridge mode", ErrMarshalNetworkXML)
		}
		network.Forward = &libvirtxml.NetworkForward{Mode: string(ModeBridge)}
		network.Bridge = &libvirtxml.NetworkBridge{Name: cfg.BridgeName}

	case ModeNAT, ModeIsolated:
		if cfg.Mode == ModeNAT {
			network.Forward = &libvirtxml.NetworkForward{Mode: string(ModeNAT)}
		}
		network.Bridge = &libvirtxml.NetworkBridge{Name: cfg.BridgeName, STP: "on"}

		ip, err := ipWithDHCP(cfg)
		if err != nil {
			return "", err
		}
		network.IPs = []libvirtxml.NetworkIP{ip}

	default:
		return "", fmt.Errorf("%w: unsupported network mode %q", ErrMarshalNetworkXML, cfg.Mode)
	}

	out, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return out, nil
}

func ipWithDHCP(cfg Config) (libvirtxml.NetworkIP, error) {
	address := cfg.IPAddress
	if address == "" {
		// 192.168.122.0/24 belongs to the default network
		address = "192.168.150.1"
		if cfg.Mode == ModeIsolated {
			address = "192.168.151.1"
		}
	}
	netmask := cfg.Netmask
	if netmask == "" {
		netmask = "255.255.255.0"
	}

	start, end := cfg.DHCPStart, cfg.DHCPEnd
	if start == "" || end == "" {
		addr, err := netip.ParseAddr(address)
		if err != nil || !addr.Is4() {
			return libvirtxml.NetworkIP{}, fmt.Errorf("%w: invalid IPv4 address %q", ErrMarshalNetworkXML, address)
		}
		b := addr.As4()
		start = netip.AddrFrom4([4]byte{b[0], b[1], b[2], 100}).String()
		end = netip.AddrFrom4([4]byte{b[0], b[1], b[2], 254}).String()
	}

	return libvirtxml.NetworkIP{
		Address: address,
		Netmask: netmask,
		DHCP: &libvirtxml.NetworkDHCP{
			Ranges: []libvirtxml.NetworkDHCPRange{{Start: start, End: end}},
		},
	}, nil
}
