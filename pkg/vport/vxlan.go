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
	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// tunnel option attributes
const (
	TunnelAttrDstPort = 1
)

// vxlan constants
const (
	VxlanDefDstPort = 4789
	vxlanSrcPortMin = 32768
	vxlanSrcPortMax = 61000
	vxlanMaxVNI     = 1<<24 - 1
)

// VxlanVportOps - operations of vxlan tunnel vports
var VxlanVportOps = Ops{
	Type:       cmn.VportTypeVxlan,
	Destroy:    tunnelDestroy,
	Send:       vxlanSend,
	GetOptions: vxlanGetOptions,
	GetName:    tunnelGetName,
}

func init() {
	VxlanVportOps.Create = vxlanCreate
}

// vxlanDstPort - udp port requested in the options, or the default
func vxlanDstPort(attrs []byte) (uint16, error) {
	if len(attrs) == 0 {
		return VxlanDefDstPort, nil
	}
	as, err := ParseAttrs(attrs)
	if err != nil {
		return 0, ErrInval
	}
	for _, a := range as {
		if AttrType(a) == TunnelAttrDstPort {
			if len(a.Value) < 2 {
				return 0, ErrInval
			}
			return nl.NativeEndian().Uint16(a.Value), nil
		}
	}
	return VxlanDefDstPort, nil
}

func vxlanCreate(parms *Parms) (*Vport, error) {
	opener, ok := parms.Dp.(UnderlayOpener)
	if !ok {
		return nil, ErrNotSupported
	}

	dstPort, err := vxlanDstPort(parms.Options)
	if err != nil {
		tk.LogIt(tk.LogError, "vxlan create - %s bad options\n", parms.Name)
		return nil, err
	}

	v, err := Alloc(&VxlanVportOps, parms)
	if err != nil {
		return nil, err
	}

	tp := &tunnelPriv{name: parms.Name, dstPort: dstPort}
	v.SetPriv(tp)

	ul, err := opener.OpenUnderlay(cmn.VportTypeVxlan, dstPort, vxlanRxHandler(v, tp))
	if err != nil {
		tk.LogIt(tk.LogError, "vxlan create - %s underlay port %d failed %s\n", parms.Name, dstPort, err)
		v.Free()
		return nil, err
	}
	tp.ul = ul

	return v, nil
}

func vxlanRxHandler(v *Vport, tp *tunnelPriv) TunnelRxHandler {
	return func(cpu int, outer *ipv4.Header, payload []byte) {
		if tp.closed.Load() {
			return
		}

		var vx layers.VXLAN
		if err := vx.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil ||
			!vx.ValidIDFlag || len(vx.Payload) < EthHdrLen {
			v.RecordError(VportErrRxError)
			return
		}

		pkt := NewPacket(vx.Payload)
		if pkt == nil {
			v.RecordError(VportErrRxDropped)
			return
		}
		v.Receive(cpu, pkt, tunnelKeyFromOuter(outer, uint64(vx.VNI), true))
	}
}

// vxlanSrcPort - udp source port spreading flows by inner addresses
func vxlanSrcPort(frame []byte) uint16 {
	n := EthHdrLen
	if len(frame) < n {
		n = len(frame)
	}
	h := xxhash.Sum64(frame[:n])
	return uint16(vxlanSrcPortMin + h%(vxlanSrcPortMax-vxlanSrcPortMin))
}

func vxlanSend(v *Vport, pkt *Packet) int {
	tp := tunnelPrivOf(v)

	key, ret := tunnelSendCheck(pkt)
	if key == nil {
		return ret
	}
	if key.TunID > vxlanMaxVNI {
		return -int(unix.EINVAL)
	}

	frame := pkt.Frame()
	buf := gopacket.NewSerializeBuffer()
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(vxlanSrcPort(frame)),
		DstPort: layers.UDPPort(tp.dstPort),
	}
	vx := &layers.VXLAN{ValidIDFlag: true, VNI: uint32(key.TunID)}
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, udp, vx, gopacket.Payload(frame)); err != nil {
		tk.LogIt(tk.LogError, "vxlan send - %s encap failed %s\n", tp.name, err)
		return -int(unix.EINVAL)
	}

	out := buf.Bytes()
	if err := tp.ul.WriteIPv4(tp.tunnelOuterHeader(key, unix.IPPROTO_UDP, len(out)), out); err != nil {
		return errnoRet(err)
	}

	pkt.Free()
	return len(frame)
}

func vxlanGetOptions(v *Vport, buf *OptBuf) error {
	return buf.PutU16(TunnelAttrDstPort, tunnelPrivOf(v).dstPort)
}
