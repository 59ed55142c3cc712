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
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	cmn "github.com/loxilb-io/loxivport/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var (
	tunRemote = net.IPv4(10, 0, 0, 2).To4()
	tunLocal  = net.IPv4(10, 0, 0, 1).To4()
)

func tunnelPacket(t *testing.T, tunID uint64, flags uint16) (*Packet, []byte) {
	frame := buildIPv4Frame(t, testPayload(300), false, 0)
	pkt := NewPacket(frame)
	pkt.Cb.TunKey = &TunnelKey{TunID: tunID, Ipv4Dst: tunRemote, Flags: flags, Tos: 0x10}
	return pkt, frame
}

func outerHeader() *ipv4.Header {
	return &ipv4.Header{
		Version: ipv4.Version,
		Len:     ipv4.HeaderLen,
		TOS:     0x20,
		TTL:     30,
		Flags:   ipv4.DontFragment,
		Src:     tunRemote,
		Dst:     tunLocal,
	}
}

func TestVxlanSend(t *testing.T) {
	r := newTestRegistry(t)
	dp := newTestDp(1)
	v := addVport(t, r, dp, "vxlan0", cmn.VportTypeVxlan, nil)
	ul := dp.underlay(cmn.VportTypeVxlan)

	pkt, frame := tunnelPacket(t, 5001, TunnelKeyFlagKey|TunnelKeyFlagDontFragment)
	n := v.Send(0, pkt)

	assert.Equal(t, len(frame), n)
	assert.True(t, pkt.Freed())
	require.Len(t, ul.sent, 1)

	h := ul.sent[0].hdr
	assert.Equal(t, unix.IPPROTO_UDP, h.Protocol)
	assert.True(t, tunRemote.Equal(h.Dst))
	assert.True(t, tunLocal.Equal(h.Src), "source not taken from the underlay")
	assert.Equal(t, 64, h.TTL)
	assert.Equal(t, 0x10, h.TOS)
	assert.Equal(t, ipv4.DontFragment, h.Flags)
	assert.Equal(t, ipv4.HeaderLen+len(ul.sent[0].payload), h.TotalLen)

	var udp layers.UDP
	require.NoError(t, udp.DecodeFromBytes(ul.sent[0].payload, gopacket.NilDecodeFeedback))
	assert.Equal(t, layers.UDPPort(VxlanDefDstPort), udp.DstPort)
	assert.GreaterOrEqual(t, int(udp.SrcPort), vxlanSrcPortMin)
	assert.Less(t, int(udp.SrcPort), vxlanSrcPortMax)
	assert.Equal(t, uint16(len(ul.sent[0].payload)), udp.Length)

	var vx layers.VXLAN
	require.NoError(t, vx.DecodeFromBytes(udp.Payload, gopacket.NilDecodeFeedback))
	assert.True(t, vx.ValidIDFlag)
	assert.Equal(t, uint32(5001), vx.VNI)
	assert.Equal(t, frame, vx.Payload)

	s := v.GetStats()
	assert.Equal(t, uint64(1), s.TxPackets)
	assert.Equal(t, uint64(len(frame)), s.TxBytes)
}

func TestVxlanSendBadKey(t *testing.T) {
	r := newTestRegistry(t)
	dp := newTestDp(1)
	v := addVport(t, r, dp, "vxlan0", cmn.VportTypeVxlan, nil)

	pkt := NewPacket(buildIPv4Frame(t, testPayload(100), false, 0))
	assert.Equal(t, -int(unix.EINVAL), v.Send(0, pkt))
	assert.True(t, pkt.Freed())

	pkt, _ = tunnelPacket(t, vxlanMaxVNI+1, TunnelKeyFlagKey)
	assert.Equal(t, -int(unix.EINVAL), v.Send(0, pkt))

	assert.Empty(t, dp.underlay(cmn.VportTypeVxlan).sent)
	assert.Equal(t, uint64(2), v.GetStats().TxErrors)
}

func TestVxlanReceive(t *testing.T) {
	r := newTestRegistry(t)
	dp := newTestDp(1)
	v := addVport(t, r, dp, "vxlan0", cmn.VportTypeVxlan, nil)
	ul := dp.underlay(cmn.VportTypeVxlan)

	inner := buildIPv4Frame(t, testPayload(200), false, 0)
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.VXLAN{ValidIDFlag: true, VNI: 42}, gopacket.Payload(inner)))

	ul.rx(2, outerHeader(), buf.Bytes())

	rcvd := dp.received()
	require.Len(t, rcvd, 1)
	assert.Equal(t, inner, rcvd[0].Data)
	assert.Equal(t, v.PortNo, rcvd[0].Cb.InPort)

	key := rcvd[0].Cb.TunKey
	require.NotNil(t, key)
	assert.Equal(t, uint64(42), key.TunID)
	assert.True(t, tunRemote.Equal(key.Ipv4Src))
	assert.True(t, tunLocal.Equal(key.Ipv4Dst))
	assert.Equal(t, uint8(0x20), key.Tos)
	assert.Equal(t, uint8(30), key.Ttl)
	assert.Equal(t, TunnelKeyFlagKey|TunnelKeyFlagDontFragment, key.Flags)

	// no valid vni
	ul.rx(0, outerHeader(), make([]byte, 16))
	assert.Len(t, dp.received(), 1)

	s := v.GetStats()
	assert.Equal(t, uint64(1), s.RxPackets)
	assert.Equal(t, uint64(len(inner)), s.RxBytes)
	assert.Equal(t, uint64(1), s.RxErrors)
}

func TestGreSend(t *testing.T) {
	tests := []struct {
		name  string
		flags uint16
	}{
		{name: "keyed", flags: TunnelKeyFlagKey},
		{name: "keyless"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			dp := newTestDp(1)
			v := addVport(t, r, dp, "gre0", cmn.VportTypeGre, nil)
			ul := dp.underlay(cmn.VportTypeGre)

			pkt, frame := tunnelPacket(t, 77, tt.flags)
			assert.Equal(t, len(frame), v.Send(1, pkt))
			require.Len(t, ul.sent, 1)

			h := ul.sent[0].hdr
			assert.Equal(t, unix.IPPROTO_GRE, h.Protocol)
			assert.Zero(t, h.Flags)

			var gre layers.GRE
			require.NoError(t, gre.DecodeFromBytes(ul.sent[0].payload, gopacket.NilDecodeFeedback))
			assert.Equal(t, layers.EthernetTypeTransparentEthernetBridging, gre.Protocol)
			assert.Equal(t, tt.flags&TunnelKeyFlagKey != 0, gre.KeyPresent)
			if gre.KeyPresent {
				assert.Equal(t, uint32(77), gre.Key)
			}
			assert.Equal(t, frame, gre.Payload)
		})
	}
}

func TestGreReceive(t *testing.T) {
	r := newTestRegistry(t)
	dp := newTestDp(1)
	v := addVport(t, r, dp, "gre0", cmn.VportTypeGre, nil)
	ul := dp.underlay(cmn.VportTypeGre)

	inner := buildIPv4Frame(t, testPayload(200), false, 0)
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.GRE{Protocol: layers.EthernetTypeTransparentEthernetBridging, KeyPresent: true, Key: 9},
		gopacket.Payload(inner)))

	ul.rx(0, outerHeader(), buf.Bytes())

	rcvd := dp.received()
	require.Len(t, rcvd, 1)
	assert.Equal(t, inner, rcvd[0].Data)
	require.NotNil(t, rcvd[0].Cb.TunKey)
	assert.Equal(t, uint64(9), rcvd[0].Cb.TunKey.TunID)
	assert.NotZero(t, rcvd[0].Cb.TunKey.Flags&TunnelKeyFlagKey)

	// ipv4 payload instead of ethernet
	ul.rx(0, outerHeader(), append([]byte{0, 0, 0x08, 0x00}, inner[EthHdrLen:]...))
	// key bit set on a truncated header
	ul.rx(0, outerHeader(), []byte{0x20, 0, 0x65, 0x58})
	// source routed
	ul.rx(0, outerHeader(), append([]byte{0x40, 0, 0x65, 0x58}, inner...))

	assert.Len(t, dp.received(), 1)
	assert.Equal(t, uint64(3), v.GetStats().RxErrors)
}

func TestTunnelDestroy(t *testing.T) {
	r := newTestRegistry(t)
	dp := newTestDp(1)
	v := addVport(t, r, dp, "gre0", cmn.VportTypeGre, nil)
	ul := dp.underlay(cmn.VportTypeGre)

	r.Lock()
	r.Del(v)
	r.Unlock()
	assert.True(t, ul.closed)

	// late frames from the underlay are ignored
	ul.rx(0, outerHeader(), []byte{0, 0, 0x65, 0x58})
	assert.Empty(t, dp.received())

	r.RCU().Barrier()
	assert.True(t, v.Freed())
}

func TestGreHdrLen(t *testing.T) {
	assert.Equal(t, 4, greHdrLen([]byte{0, 0, 0x65, 0x58}))
	assert.Equal(t, 8, greHdrLen([]byte{0x20, 0, 0x65, 0x58, 0, 0, 0, 1}))
	assert.Equal(t, 12, greHdrLen([]byte{0xa0, 0, 0x65, 0x58, 0, 0, 0, 0, 0, 0, 0, 1}))
	assert.Zero(t, greHdrLen([]byte{0x20, 0, 0x65, 0x58}))
	assert.Zero(t, greHdrLen([]byte{0, 0}))

	// every optional field flagged past the end of the data
	for _, hdr := range [][]byte{
		{0x80, 0, 0x65, 0x58, 0, 0},
		{0x10, 0, 0x65, 0x58, 0, 0, 0},
		{0x00, 0x80, 0x65, 0x58},
		{0xb0, 0, 0x65, 0x58, 0, 0, 0, 0, 0, 0, 0, 0},
	} {
		assert.Zero(t, greHdrLen(hdr), "header % x", hdr)
	}
	assert.Equal(t, 16, greHdrLen([]byte{0xb0, 0, 0x65, 0x58, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
}
