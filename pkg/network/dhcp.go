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
	"net"
	"net/netip"
	"slices"
	"strings"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrInvalidHost   = errors.New("invalid DHCP host")
	ErrAddressInUse  = errors.New("address already reserved for another MAC")
	ErrNoDHCP        = errors.New("network has no DHCP server")
	ErrUpdateNetwork = errors.New("failed to update libvirt network")
)

// Host is a DHCP reservation binding an address to a MAC address.
type Host struct {
	MAC  string
	IP   string
	Name string
}

func (h Host) validate() (Host, error) {
	mac, err := net.ParseMAC(h.MAC)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	addr, err := netip.ParseAddr(h.IP)
	if err != nil || !addr.Is4() {
		return h, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidHost, h.IP)
	}
	h.MAC = mac.String()
	return h, nil
}

// DNSRecord is a host entry of the network's DNS server.
type DNSRecord struct {
	IP        string
	Hostnames []string
}

type hostUpdate struct {
	command libvirt.NetworkUpdateCommand
	section libvirt.NetworkUpdateSection
	// xml is the host element the command applies to.
	xml string
}

// ReserveHost adds a DHCP host entry for host, or modifies the entry of the same MAC address. An
// identical reservation is left untouched. A named host also gets a DNS record resolving its name to
// its address. The running network and its persistent configuration are both updated.
func (m *Manager) ReserveHost(ctx context.Context, name string, host Host) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if name == "" {
		return ErrNetworkNameRequired
	}
	host, err := host.validate()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	network, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer func() { _ = network.Free() }()

	def, err := networkDef(network)
	if err != nil {
		return err
	}
	update, err := planReservation(def, host)
	if err != nil {
		return err
	}
	if update == nil {
		slog.Debug("DHCP reservation already present", "network", name, "mac", host.MAC, "ip", host.IP)
	} else {
		if err := applyUpdate(network, *update); err != nil {
			return err
		}
		slog.Info("reserved DHCP address", "network", name, "mac", host.MAC, "ip", host.IP, "hostname", host.Name)
	}

	records, err := planDNSRecord(def, host)
	if err != nil {
		return err
	}
	for _, u := range records {
		if err := applyUpdate(network, u); err != nil {
			return err
		}
	}
	if len(records) > 0 {
		slog.Info("registered DNS record", "network", name, "hostname", host.Name, "ip", host.IP)
	}
	return nil
}

// ReleaseHost removes the DHCP host entry of mac and the DNS record of its name. Releasing an
// unknown MAC is not an error.
func (m *Manager) ReleaseHost(ctx context.Context, name, mac string) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if name == "" {
		return ErrNetworkNameRequired
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHost, err)
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

	def, err := networkDef(network)
	if err != nil {
		return err
	}
	update, err := planRelease(def, hw.String())
	if err != nil || update == nil {
		return err
	}

	for _, h := range dhcpHosts(def) {
		if !strings.EqualFold(h.MAC, hw.String()) {
			continue
		}
		records, err := planDNSRelease(def, h)
		if err != nil {
			return err
		}
		for _, u := range records {
			if err := applyUpdate(network, u); err != nil {
				return err
			}
		}
	}

	if err := applyUpdate(network, *update); err != nil {
		return err
	}
	slog.Info("released DHCP address", "network", name, "mac", hw.String())
	return nil
}

func applyUpdate(network *libvirt.Network, update hostUpdate) error {
	flags := libvirt.NETWORK_UPDATE_AFFECT_CONFIG
	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	if active {
		flags |= libvirt.NETWORK_UPDATE_AFFECT_LIVE
	}
	// a parent index of -1 selects the first ip element with a dhcp server; dns hosts ignore it
	if err := network.Update(update.command, update.section, -1, update.xml, flags); err != nil {
		return fmt.Errorf("%w: %v", ErrUpdateNetwork, err)
	}
	return nil
}

// planReservation returns the update adding host to def, or nil when def already holds it.
func planReservation(def *libvirtxml.Network, host Host) (*hostUpdate, error) {
	if !hasDHCP(def) {
		return nil, fmt.Errorf("%w: %s", ErrNoDHCP, def.Name)
	}

	command := libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST
	for _, h := range dhcpHosts(def) {
		sameMAC := strings.EqualFold(h.MAC, host.MAC)
		switch {
		case sameMAC && h.IP == host.IP && h.Name == host.Name:
			return nil, nil
		case sameMAC:
			command = libvirt.NETWORK_UPDATE_COMMAND_MODIFY
		case h.IP == host.IP:
			return nil, fmt.Errorf("%w: %s is reserved for %s", ErrAddressInUse, h.IP, h.MAC)
		}
	}

	out, err := hostXML(host)
	if err != nil {
		return nil, err
	}
	return &hostUpdate{command: command, section: libvirt.NETWORK_SECTION_IP_DHCP_HOST, xml: out}, nil
}

// planRelease returns the update removing the reservation of mac, or nil when there is none.
func planRelease(def *libvirtxml.Network, mac string) (*hostUpdate, error) {
	for _, h := range dhcpHosts(def) {
		if !strings.EqualFold(h.MAC, mac) {
			continue
		}
		out, err := hostXML(h)
		if err != nil {
			return nil, err
		}
		return &hostUpdate{
			command: libvirt.NETWORK_UPDATE_COMMAND_DELETE,
			section: libvirt.NETWORK_SECTION_IP_DHCP_HOST,
			xml:     out,
		}, nil
	}
	return nil, nil
}

// planDNSRecord returns the updates making host.Name resolve to host.IP only. libvirt cannot modify
// a dns host in place, so a record of the address with other names is deleted and added again.
// Records binding the name to another address are deleted.
func planDNSRecord(def *libvirtxml.Network, host Host) ([]hostUpdate, error) {
	if host.Name == "" {
		return nil, nil
	}

	var updates []hostUpdate
	present := false
	for _, r := range dnsRecords(def) {
		named := slices.Contains(r.Hostnames, host.Name)
		switch {
		case r.IP == host.IP && named:
			present = true
			continue
		case r.IP != host.IP && !named:
			continue
		}
		u, err := dnsUpdate(libvirt.NETWORK_UPDATE_COMMAND_DELETE, r)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if present {
		return updates, nil
	}

	u, err := dnsUpdate(libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST, DNSRecord{IP: host.IP, Hostnames: []string{host.Name}})
	if err != nil {
		return nil, err
	}
	return append(updates, u), nil
}

// planDNSRelease returns the updates deleting the records that resolve host.Name to host.IP.
func planDNSRelease(def *libvirtxml.Network, host Host) ([]hostUpdate, error) {
	if host.Name == "" {
		return nil, nil
	}
	var updates []hostUpdate
	for _, r := range dnsRecords(def) {
		if r.IP != host.IP || !slices.Contains(r.Hostnames, host.Name) {
			continue
		}
		u, err := dnsUpdate(libvirt.NETWORK_UPDATE_COMMAND_DELETE, r)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func dnsRecords(def *libvirtxml.Network) []DNSRecord {
	if def.DNS == nil {
		return nil
	}
	out := make([]DNSRecord, 0, len(def.DNS.Host))
	for _, h := range def.DNS.Host {
		r := DNSRecord{IP: h.IP}
		for _, n := range h.Hostnames {
			r.Hostnames = append(r.Hostnames, n.Hostname)
		}
		out = append(out, r)
	}
	return out
}

func dnsUpdate(command libvirt.NetworkUpdateCommand, r DNSRecord) (hostUpdate, error) {
	el := libvirtxml.NetworkDNSHost{IP: r.IP}
	for _, n := range r.Hostnames {
		el.Hostnames = append(el.Hostnames, libvirtxml.NetworkDNSHostHostname{Hostname: n})
	}
	out, err := el.Marshal()
	if err != nil {
		return hostUpdate{}, fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return hostUpdate{command: command, section: libvirt.NETWORK_SECTION_DNS_HOST, xml: out}, nil
}

func hasDHCP(def *libvirtxml.Network) bool {
	for _, ip := range def.IPs {
		if ip.DHCP != nil {
			return true
		}
	}
	return false
}

func dhcpHosts(def *libvirtxml.Network) []Host {
	var out []Host
	for _, ip := range def.IPs {
		if ip.DHCP == nil {
			continue
		}
		for _, h := range ip.DHCP.Hosts {
			out = append(out, Host{MAC: h.MAC, IP: h.IP, Name: h.Name})
		}
	}
	return out
}

// hostXML renders the <host> element expected by virNetworkUpdate.
func hostXML(host Host) (string, error) {
	el := libvirtxml.NetworkDHCPHost{MAC: host.MAC, IP: host.IP, Name: host.Name}
	out, err := el.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return out, nil
}
