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

// Package network manages the libvirt virtual network deployed VMs are attached to.
//
// Ensure creates the network when it is missing and starts it when it is inactive. ReserveHost pins
// the address of a VM to its MAC address with a DHCP host entry, so that the address written to the
// guest metadata is also the one handed out by libvirt's DHCP server:
//
//	mgr := network.NewManager(hv.Connection())
//	if err := mgr.Ensure(ctx, network.Config{Name: "imagesmith", Mode: network.ModeNAT}); err != nil {
//	    return err
//	}
//	err := mgr.ReserveHost(ctx, "imagesmith", network.Host{
//	    MAC:  "52:54:00:aa:bb:cc",
//	    IP:   "192.168.150.10",
//	    Name: "esxi-01",
//	})
//
// Every operation is idempotent.
package network
