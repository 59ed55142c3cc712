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
	"sync/atomic"

	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
)

// netdevPriv - state of vports backed by an ethernet device
type netdevPriv struct {
	name   string
	dev    Device
	closed atomic.Bool
}

// NetdevVportOps - operations of vports attached to existing devices
var NetdevVportOps = Ops{
	Type:    cmn.VportTypeNetdev,
	Destroy: netdevDestroy,
	Send:    netdevSend,
	GetName: netdevGetName,
}

func init() {
	NetdevVportOps.Create = netdevCreate
}

func netdevPrivOf(v *Vport) *netdevPriv {
	return v.priv.(*netdevPriv)
}

// rxHandler - deliver frames from the device to v until the vport is
// destroyed
func (np *netdevPriv) rxHandler(v *Vport) RxHandler {
	return func(cpu int, pkt *Packet) {
		if np.closed.Load() {
			pkt.Free()
			return
		}
		v.Receive(cpu, pkt, nil)
	}
}

func netdevCreate(parms *Parms) (*Vport, error) {
	opener, ok := parms.Dp.(DeviceOpener)
	if !ok {
		return nil, ErrNotSupported
	}

	v, err := Alloc(&NetdevVportOps, parms)
	if err != nil {
		return nil, err
	}

	np := &netdevPriv{name: parms.Name}
	v.SetPriv(np)

	dev, err := opener.OpenDevice(parms.Name, np.rxHandler(v))
	if err != nil {
		tk.LogIt(tk.LogError, "netdev create - %s open failed %s\n", parms.Name, err)
		v.Free()
		return nil, err
	}
	np.dev = dev

	return v, nil
}

func netdevDestroy(v *Vport) {
	np := netdevPrivOf(v)
	np.closed.Store(true)
	if err := np.dev.Close(); err != nil {
		tk.LogIt(tk.LogError, "netdev destroy - %s close failed %s\n", np.name, err)
	}
	v.DeferredFree()
}

func netdevGetName(v *Vport) string {
	return netdevPrivOf(v).name
}

// l3Length - length of the frame past its ethernet and in-frame vlan
// headers
func l3Length(pkt *Packet) int {
	n := len(pkt.Data) - EthHdrLen
	if len(pkt.Data) >= EthHdrLen &&
		binary.BigEndian.Uint16(pkt.Data[ethAddrsLen:]) == uint16(layers.EthernetTypeDot1Q) {
		n -= VlanHdrLen
	}
	return n
}

func netdevSend(v *Vport, pkt *Packet) int {
	np := netdevPrivOf(v)

	if mtu, n := np.dev.MTU(), l3Length(pkt); mtu > 0 && n > mtu {
		tk.LogIt(tk.LogDebug, "netdev send - %s dropped over-mtu packet length %d > mtu %d\n",
			np.name, n, mtu)
		pkt.Free()
		return 0
	}

	n, err := np.dev.Transmit(pkt.Frame())
	if err != nil {
		tk.LogIt(tk.LogDebug, "netdev send - %s transmit failed %s\n", np.name, err)
		return errnoRet(err)
	}

	pkt.Free()
	return n
}
