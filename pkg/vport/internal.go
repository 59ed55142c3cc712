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
	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"github.com/vishvananda/netlink/nl"
)

// internal port option attributes
const (
	InternalAttrMTU = 1
)

// InternalVportOps - operations of vports backed by a datapath created
// device
var InternalVportOps = Ops{
	Type:       cmn.VportTypeInternal,
	Destroy:    netdevDestroy,
	Send:       netdevSend,
	SetOptions: internalSetOptions,
	GetOptions: internalGetOptions,
	GetName:    netdevGetName,
}

func init() {
	InternalVportOps.Create = internalCreate
}

func internalCreate(parms *Parms) (*Vport, error) {
	opener, ok := parms.Dp.(DeviceOpener)
	if !ok {
		return nil, ErrNotSupported
	}

	v, err := Alloc(&InternalVportOps, parms)
	if err != nil {
		return nil, err
	}

	np := &netdevPriv{name: parms.Name}
	v.SetPriv(np)

	dev, err := opener.CreateInternalDevice(parms.Name, np.rxHandler(v))
	if err != nil {
		tk.LogIt(tk.LogError, "internal create - %s failed %s\n", parms.Name, err)
		v.Free()
		return nil, err
	}
	np.dev = dev

	if len(parms.Options) > 0 {
		if err := internalSetOptions(v, parms.Options); err != nil {
			dev.Close()
			v.Free()
			return nil, err
		}
	}

	return v, nil
}

func internalSetOptions(v *Vport, attrs []byte) error {
	as, err := ParseAttrs(attrs)
	if err != nil {
		return ErrInval
	}

	np := netdevPrivOf(v)
	for _, a := range as {
		switch AttrType(a) {
		case InternalAttrMTU:
			if len(a.Value) < 4 {
				return ErrInval
			}
			mtu := int(nl.NativeEndian().Uint32(a.Value))
			if err := np.dev.SetMTU(mtu); err != nil {
				tk.LogIt(tk.LogError, "internal options - %s mtu %d failed %s\n", np.name, mtu, err)
				return err
			}
		}
	}
	return nil
}

func internalGetOptions(v *Vport, buf *OptBuf) error {
	return buf.PutU32(InternalAttrMTU, uint32(netdevPrivOf(v).dev.MTU()))
}
