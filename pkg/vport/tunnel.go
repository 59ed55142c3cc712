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
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// constants
const (
	tunnelDefTTL = 64
)

// tunnelPriv - state of tunnel vports
type tunnelPriv struct {
	name    string
	ul      Underlay
	dstPort uint16
	closed  atomic.Bool
}

func tunnelPrivOf(v *Vport) *tunnelPriv {
	return v.priv.(*tunnelPriv)
}

func tunnelGetName(v *Vport) string {
	return tunnelPrivOf(v).name
}

func tunnelDestroy(v *Vport) {
	tp := tunnelPrivOf(v)
	tp.closed.Store(true)
	if err := tp.ul.Close(); err != nil {
		tk.LogIt(tk.LogError, "tunnel destroy - %s close failed %s\n", tp.name, err)
	}
	v.DeferredFree()
}

// tunnelOuterHeader - outer ipv4 header for a payload of n bytes described
// by key
func (tp *tunnelPriv) tunnelOuterHeader(key *TunnelKey, proto int, n int) *ipv4.Header {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      int(key.Tos),
		TotalLen: ipv4.HeaderLen + n,
		TTL:      int(key.Ttl),
		Protocol: proto,
		Src:      key.Ipv4Src,
		Dst:      key.Ipv4Dst,
	}
	if h.TTL == 0 {
		h.TTL = tunnelDefTTL
	}
	if key.Flags&TunnelKeyFlagDontFragment != 0 {
		h.Flags = ipv4.DontFragment
	}
	if h.Src == nil || h.Src.IsUnspecified() {
		h.Src = tp.ul.LocalAddr()
	}
	return h
}

// tunnelKeyFromOuter - tunnel key of a packet received with outer header h
func tunnelKeyFromOuter(h *ipv4.Header, tunID uint64, keyed bool) *TunnelKey {
	key := &TunnelKey{TunID: tunID}
	if keyed {
		key.Flags |= TunnelKeyFlagKey
	}
	if h != nil {
		key.Ipv4Src = h.Src
		key.Ipv4Dst = h.Dst
		key.Tos = uint8(h.TOS)
		key.Ttl = uint8(h.TTL)
		if h.Flags&ipv4.DontFragment != 0 {
			key.Flags |= TunnelKeyFlagDontFragment
		}
	}
	return key
}

// tunnelSendCheck - reject packets that carry no usable tunnel key
func tunnelSendCheck(pkt *Packet) (*TunnelKey, int) {
	key := pkt.Cb.TunKey
	if key == nil || key.Ipv4Dst == nil || key.Ipv4Dst.To4() == nil {
		return nil, -int(unix.EINVAL)
	}
	return key, 0
}
