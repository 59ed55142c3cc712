/*
 * Copyright (c) 2022 NetLOX Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vport

import (
	"net"

	cmn "github.com/loxilb-io/loxivport/common"
	"golang.org/x/net/ipv4"
)

// Ops - operations implemented by a vport type. SetOptions and
// GetOptions may be nil when the type has no options.
//
// Send returns the number of bytes sent when the packet was consumed, a
// negative errno when sending failed and the packet is still owned by the
// caller, or zero when the driver kept or disposed of the packet itself.
type Ops struct {
	Type       cmn.VportType
	Create     func(parms *Parms) (*Vport, error)
	Destroy    func(v *Vport)
	Send       func(v *Vport, pkt *Packet) int
	SetOptions func(v *Vport, attrs []byte) error
	GetOptions func(v *Vport, buf *OptBuf) error
	GetName    func(v *Vport) string
}

// Parms - parameters to create a vport
type Parms struct {
	Name string
	Type cmn.VportType
	// Options holds the netlink encoded contents of the options attribute
	Options      []byte
	Dp           Datapath
	PortNo       uint32
	UpcallPortID uint32
}

// Net - identity of a network namespace
type Net struct {
	ID   uint64
	Name string
}

// Datapath - the switch instance a vport belongs to
type Datapath interface {
	Net() *Net
	Name() string
	// ProcessReceivedPacket takes ownership of pkt and must not block
	ProcessReceivedPacket(v *Vport, pkt *Packet)
}

// RxHandler - receives frames from a device on the given cpu
type RxHandler func(cpu int, pkt *Packet)

// TunnelRxHandler - receives tunnel payloads with their outer header
type TunnelRxHandler func(cpu int, outer *ipv4.Header, payload []byte)

// Device - an ethernet device backing a netdev or internal vport
type Device interface {
	Name() string
	MTU() int
	SetMTU(mtu int) error
	Transmit(frame []byte) (int, error)
	Close() error
}

// DeviceOpener - implemented by datapaths able to attach devices
type DeviceOpener interface {
	OpenDevice(name string, rx RxHandler) (Device, error)
	CreateInternalDevice(name string, rx RxHandler) (Device, error)
}

// Underlay - transport used by tunnel vports to emit encapsulated packets
type Underlay interface {
	WriteIPv4(h *ipv4.Header, payload []byte) error
	LocalAddr() net.IP
	Close() error
}

// UnderlayOpener - implemented by datapaths able to carry tunnels
type UnderlayOpener interface {
	OpenUnderlay(t cmn.VportType, dstPort uint16, rx TunnelRxHandler) (Underlay, error)
}

// vportOpsList - known vport types, searched in order
var vportOpsList = []*Ops{
	&NetdevVportOps,
	&InternalVportOps,
	&GreVportOps,
	&VxlanVportOps,
}

func lookupOps(t cmn.VportType) *Ops {
	for _, ops := range vportOpsList {
		if ops.Type == t {
			return ops
		}
	}
	return nil
}
