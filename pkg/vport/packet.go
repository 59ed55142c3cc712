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
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
)

// frame layout constants
const (
	EthHdrLen    = 14
	VlanHdrLen   = 4
	ethAddrsLen  = 12
	maxPooledBuf = 65535 + EthHdrLen + VlanHdrLen
)

// tunnel key flags
const (
	TunnelKeyFlagCsum uint16 = 1 << iota
	TunnelKeyFlagKey
	TunnelKeyFlagDontFragment
)

// TunnelKey - outer header information of a tunnelled packet
type TunnelKey struct {
	TunID   uint64
	Ipv4Src net.IP
	Ipv4Dst net.IP
	Flags   uint16
	Tos     uint8
	Ttl     uint8
}

// Cb - per packet control block. It is copied verbatim to every fragment
// of a packet.
type Cb struct {
	TunKey *TunnelKey
	// FragMaxSize when non zero forces fragmentation to this size
	FragMaxSize uint32
	InPort      uint32
}

// Allocator - source of packet buffers. Alloc returns nil when no buffer
// can be provided.
type Allocator interface {
	Alloc(size int) []byte
	Release(b []byte)
}

type poolAllocator struct {
	pool sync.Pool
}

func (a *poolAllocator) Alloc(size int) []byte {
	if bp, ok := a.pool.Get().(*[]byte); ok && cap(*bp) >= size {
		return (*bp)[:size]
	}
	return make([]byte, size)
}

func (a *poolAllocator) Release(b []byte) {
	if b == nil || cap(b) > maxPooledBuf {
		return
	}
	b = b[:0]
	a.pool.Put(&b)
}

// DefaultAllocator - allocator used for packets created by NewPacket
var DefaultAllocator Allocator = &poolAllocator{}

// Packet - a frame travelling through the switch together with its
// control block and vlan offload tag
type Packet struct {
	Data []byte
	Cb   Cb

	vlanProto   uint16
	vlanTCI     uint16
	vlanPresent bool
	shared      bool
	alloc       Allocator
	freed       atomic.Bool
}

// NewPacket - create a packet holding a copy of data
func NewPacket(data []byte) *Packet {
	return NewPacketFrom(DefaultAllocator, data)
}

// NewPacketFrom - create a packet holding a copy of data using allocator a.
// Returns nil if a cannot provide a buffer.
func NewPacketFrom(a Allocator, data []byte) *Packet {
	buf := a.Alloc(len(data))
	if buf == nil {
		return nil
	}
	copy(buf, data)
	return &Packet{Data: buf, alloc: a}
}

// Len - length of the frame in bytes
func (p *Packet) Len() int {
	return len(p.Data)
}

// Clone - a new packet sharing the frame data with p. Header edits on
// either copy unshare the data first.
func (p *Packet) Clone() *Packet {
	p.shared = true
	return &Packet{
		Data:        p.Data,
		Cb:          p.Cb,
		vlanProto:   p.vlanProto,
		vlanTCI:     p.vlanTCI,
		vlanPresent: p.vlanPresent,
		shared:      true,
		alloc:       p.alloc,
	}
}

// Shared - whether the frame data is shared with a clone
func (p *Packet) Shared() bool {
	return p.shared
}

// Free - release the packet. A packet must be freed exactly once.
func (p *Packet) Free() {
	if !p.freed.CompareAndSwap(false, true) {
		tk.LogIt(tk.LogCritical, "packet free - double free\n")
		panic("vport: packet freed twice")
	}
	if p.alloc != nil && !p.shared {
		p.alloc.Release(p.Data)
	}
	p.Data = nil
}

// Freed - whether the packet was released
func (p *Packet) Freed() bool {
	return p.freed.Load()
}

// VlanTagPresent - whether an offloaded vlan tag is attached
func (p *Packet) VlanTagPresent() bool {
	return p.vlanPresent
}

// VlanTag - the offloaded vlan tag protocol and tci
func (p *Packet) VlanTag() (uint16, uint16) {
	return p.vlanProto, p.vlanTCI
}

// PutVlanTag - attach an offloaded vlan tag
func (p *Packet) PutVlanTag(proto, tci uint16) {
	p.vlanProto = proto
	p.vlanTCI = tci
	p.vlanPresent = true
}

// ClearVlanTag - remove the offloaded vlan tag
func (p *Packet) ClearVlanTag() {
	p.vlanProto = 0
	p.vlanTCI = 0
	p.vlanPresent = false
}

// Frame - the frame as it goes on the wire with any offloaded vlan tag
// inserted
func (p *Packet) Frame() []byte {
	if !p.vlanPresent || len(p.Data) < ethAddrsLen {
		return p.Data
	}
	f := make([]byte, len(p.Data)+VlanHdrLen)
	copy(f, p.Data[:ethAddrsLen])
	binary.BigEndian.PutUint16(f[ethAddrsLen:], p.vlanProto)
	binary.BigEndian.PutUint16(f[ethAddrsLen+2:], p.vlanTCI)
	copy(f[ethAddrsLen+VlanHdrLen:], p.Data[ethAddrsLen:])
	return f
}

func (p *Packet) allocator() Allocator {
	if p.alloc != nil {
		return p.alloc
	}
	return DefaultAllocator
}

// unshare - give p a private copy of shared frame data
func (p *Packet) unshare() error {
	if !p.shared {
		return nil
	}
	a := p.allocator()
	buf := a.Alloc(len(p.Data))
	if buf == nil {
		return ErrNoMem
	}
	copy(buf, p.Data)
	p.Data = buf
	p.alloc = a
	p.shared = false
	return nil
}

// vlanUntag - move the 802.1Q tag of the frame into the offload tag
func (p *Packet) vlanUntag() error {
	if len(p.Data) < EthHdrLen+VlanHdrLen ||
		binary.BigEndian.Uint16(p.Data[ethAddrsLen:]) != uint16(layers.EthernetTypeDot1Q) {
		return ErrInval
	}

	proto := binary.BigEndian.Uint16(p.Data[ethAddrsLen:])
	tci := binary.BigEndian.Uint16(p.Data[ethAddrsLen+2:])

	if err := p.unshare(); err != nil {
		return err
	}

	copy(p.Data[VlanHdrLen:VlanHdrLen+ethAddrsLen], p.Data[:ethAddrsLen])
	p.Data = p.Data[VlanHdrLen:]
	p.PutVlanTag(proto, tci)
	return nil
}
