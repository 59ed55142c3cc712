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
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// GreVportOps - operations of gre tunnel vports
var GreVportOps = Ops{
	Type:    cmn.VportTypeGre,
	Destroy: tunnelDestroy,
	Send:    greSend,
	GetName: tunnelGetName,
}

func init() {
	GreVportOps.Create = greCreate
}

func greCreate(parms *Parms) (*Vport, error) {
	opener, ok := parms.Dp.(UnderlayOpener)
	if !ok {
		return nil, ErrNotSupported
	}

	v, err := Alloc(&GreVportOps, parms)
	if err != nil {
		return nil, err
	}

	tp := &tunnelPriv{name: parms.Name}
	v.SetPriv(tp)

	ul, err := opener.OpenUnderlay(cmn.VportTypeGre, 0, greRxHandler(v, tp))
	if err != nil {
		tk.LogIt(tk.LogError, "gre create - %s underlay failed %s\n", parms.Name, err)
		v.Free()
		return nil, err
	}
	tp.ul = ul

	return v, nil
}

// greHdrLen - length of the gre header starting data, zero if it is
// truncated or uses source routing. layers.GRE.DecodeFromBytes indexes
// the optional fields without bounds checks, so it may only see data
// this length has been checked against.
func greHdrLen(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	if data[0]&0x40 != 0 {
		return 0
	}
	n := 4
	if data[0]&0x80 != 0 {
		n += 4
	}
	if data[0]&0x20 != 0 {
		n += 4
	}
	if data[0]&0x10 != 0 {
		n += 4
	}
	if data[1]&0x80 != 0 {
		n += 4
	}
	if len(data) < n {
		return 0
	}
	return n
}

func greRxHandler(v *Vport, tp *tunnelPriv) TunnelRxHandler {
	return func(cpu int, outer *ipv4.Header, payload []byte) {
		if tp.closed.Load() {
			return
		}

		if greHdrLen(payload) == 0 {
			v.RecordError(VportErrRxError)
			return
		}

		var gre layers.GRE
		if err := gre.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil ||
			gre.Protocol != layers.EthernetTypeTransparentEthernetBridging ||
			len(gre.Payload) < EthHdrLen {
			v.RecordError(VportErrRxError)
			return
		}

		pkt := NewPacket(gre.Payload)
		if pkt == nil {
			v.RecordError(VportErrRxDropped)
			return
		}
		v.Receive(cpu, pkt, tunnelKeyFromOuter(outer, uint64(gre.Key), gre.KeyPresent))
	}
}

func greSend(v *Vport, pkt *Packet) int {
	tp := tunnelPrivOf(v)

	key, ret := tunnelSendCheck(pkt)
	if key == nil {
		return ret
	}

	frame := pkt.Frame()
	buf := gopacket.NewSerializeBuffer()
	gre := &layers.GRE{
		Protocol:   layers.EthernetTypeTransparentEthernetBridging,
		KeyPresent: key.Flags&TunnelKeyFlagKey != 0,
		Key:        uint32(key.TunID),
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, gre, gopacket.Payload(frame)); err != nil {
		tk.LogIt(tk.LogError, "gre send - %s encap failed %s\n", tp.name, err)
		return -int(unix.EINVAL)
	}

	out := buf.Bytes()
	if err := tp.ul.WriteIPv4(tp.tunnelOuterHeader(key, unix.IPPROTO_GRE, len(out)), out); err != nil {
		return errnoRet(err)
	}

	pkt.Free()
	return len(frame)
}
