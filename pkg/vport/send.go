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

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
)

// frameInfo - parsed headers of an ethernet frame carrying ipv4
type frameInfo struct {
	vlan   bool
	l3Off  int
	hdrLen int
	totLen int
	df     bool
	ip     layers.IPv4
}

// parseFrame - decode the ethernet, single 802.1Q and ipv4 headers of
// data. ok is false unless data carries a well formed ipv4 header.
func parseFrame(data []byte) (fi frameInfo, ok bool) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fi, false
	}

	l3 := eth.Payload
	fi.l3Off = EthHdrLen
	etype := eth.EthernetType

	if etype == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(l3, gopacket.NilDecodeFeedback); err != nil {
			return fi, false
		}
		fi.vlan = true
		fi.l3Off += VlanHdrLen
		l3 = tag.Payload
		etype = tag.Type
	}

	if etype != layers.EthernetTypeIPv4 {
		return fi, false
	}

	if err := fi.ip.DecodeFromBytes(l3, gopacket.NilDecodeFeedback); err != nil {
		return fi, false
	}
	if fi.ip.Version != 4 || int(fi.ip.Length) > len(l3) {
		return fi, false
	}

	fi.hdrLen = int(fi.ip.IHL) * 4
	fi.totLen = int(fi.ip.Length)
	fi.df = fi.ip.Flags&layers.IPv4DontFragment != 0

	return fi, true
}

// deviceMTU - mtu of the device backing v, zero for types without one
func (v *Vport) deviceMTU() int {
	if v.ops.Type != cmn.VportTypeNetdev && v.ops.Type != cmn.VportTypeInternal {
		return 0
	}
	if np, ok := v.priv.(*netdevPriv); ok && np.dev != nil {
		return np.dev.MTU()
	}
	return 0
}

// Send - transmit pkt on v, fragmenting ipv4 packets that do not fit the
// device mtu or the fragment size carried in the control block. Returns
// the bytes sent. The packet is always consumed.
func (v *Vport) Send(cpu int, pkt *Packet) int {
	mtu := v.deviceMTU()
	fragMax := int(pkt.Cb.FragMaxSize)

	if fragMax > 0 {
		return v.fragment(cpu, pkt, fragMax, mtu)
	}

	if mtu == 0 {
		return v.send(cpu, pkt)
	}

	fi, ok := parseFrame(pkt.Data)
	if !ok || fi.df || fi.totLen <= mtu {
		return v.send(cpu, pkt)
	}

	if fi.vlan {
		if err := pkt.vlanUntag(); err != nil {
			tk.LogIt(tk.LogDebug, "vport send - %s vlan untag failed %s\n", v.Name(), err)
			pkt.Free()
			return 0
		}
	}

	return v.fragment(cpu, pkt, 0, mtu)
}

// send - hand pkt to the type's send operation and account the result
func (v *Vport) send(cpu int, pkt *Packet) int {
	sent := v.ops.Send(v, pkt)

	if sent > 0 {
		v.countTx(cpu, sent)
	} else if sent < 0 {
		v.RecordError(VportErrTxError)
		pkt.Free()
	} else {
		v.RecordError(VportErrTxDropped)
	}

	return sent
}

// fragment - split the ipv4 packet pkt in fragments of at most fragMaxSize
// bytes, or mtu bytes when fragMaxSize is zero, and send each of them.
// pkt is freed once the fragments are out.
func (v *Vport) fragment(cpu int, pkt *Packet, fragMaxSize, mtu int) int {
	fi, ok := parseFrame(pkt.Data)
	if !ok {
		return v.send(cpu, pkt)
	}

	if fi.vlan {
		if err := pkt.vlanUntag(); err != nil {
			tk.LogIt(tk.LogDebug, "vport frag - %s vlan untag failed %s\n", v.Name(), err)
			pkt.Free()
			return 0
		}
		if fi, ok = parseFrame(pkt.Data); !ok {
			return v.send(cpu, pkt)
		}
	}

	ceil := mtu
	if fragMaxSize > 0 {
		ceil = fragMaxSize
	}

	// the header template fixes IHL to the length its options serialize to
	hdr := fi.ip
	hb := gopacket.NewSerializeBuffer()
	if err := hdr.SerializeTo(hb, gopacket.SerializeOptions{}); err != nil {
		tk.LogIt(tk.LogDebug, "vport frag - %s bad ipv4 header %s\n", v.Name(), err)
		v.RecordError(VportErrTxError)
		pkt.Free()
		return 0
	}
	hlen := len(hb.Bytes())
	hdr.IHL = uint8(hlen / 4)

	fragMax := (ceil - hlen) &^ 7
	if fragMax <= 0 {
		tk.LogIt(tk.LogDebug, "vport frag - %s:%d ceiling %d too small for header %d\n",
			v.Name(), v.PortNo, ceil, hlen)
		v.RecordError(VportErrTxDropped)
		pkt.Free()
		return 0
	}

	dpName := ""
	if v.Dp != nil {
		dpName = v.Dp.Name()
	}
	tk.LogIt(tk.LogDebug, "vport frag - dp=%s port=%s(%d) %s -> %s proto=%d tot_len=%d frag_max_size=%d mtu=%d\n",
		dpName, v.Name(), v.PortNo, fi.ip.SrcIP, fi.ip.DstIP, fi.ip.Protocol,
		fi.totLen, fragMaxSize, mtu)

	var lastFlags layers.IPv4Flag
	if fi.df {
		lastFlags = layers.IPv4DontFragment
	}

	payload := pkt.Data[fi.l3Off+fi.hdrLen : fi.l3Off+fi.totLen]
	alloc := pkt.allocator()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}

	sent := 0
	off := 0
	left := len(payload)
	for left > 0 {
		fragLen := left
		hdr.Flags = lastFlags
		if left > fragMax {
			fragLen = fragMax
			hdr.Flags = layers.IPv4MoreFragments
		}
		hdr.Length = uint16(hlen + fragLen)
		hdr.FragOffset = uint16(off >> 3)

		if err := gopacket.SerializeLayers(hb, opts, &hdr); err != nil {
			tk.LogIt(tk.LogDebug, "vport frag - %s header at offset %d failed %s\n", v.Name(), off, err)
			break
		}

		buf := alloc.Alloc(EthHdrLen + hlen + fragLen)
		if buf == nil {
			tk.LogIt(tk.LogDebug, "vport frag - %s no buffer at offset %d\n", v.Name(), off)
			break
		}

		copy(buf, pkt.Data[:EthHdrLen])
		binary.BigEndian.PutUint16(buf[ethAddrsLen:], uint16(layers.EthernetTypeIPv4))
		copy(buf[EthHdrLen:], hb.Bytes())
		copy(buf[EthHdrLen+hlen:], payload[off:off+fragLen])

		frag := &Packet{Data: buf, Cb: pkt.Cb, alloc: alloc}
		if pkt.vlanPresent {
			frag.PutVlanTag(pkt.vlanProto, pkt.vlanTCI)
		}

		if n := v.send(cpu, frag); n > 0 {
			sent += n
		}

		left -= fragLen
		off += fragLen
	}

	pkt.Free()
	return sent
}
