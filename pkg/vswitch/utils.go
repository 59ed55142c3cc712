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

package vswitch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
)

// IterIntf - interface implementation to iterate various vswitch
// subsystems entitities
type IterIntf interface {
	NodeWalker(b string)
}

// LogString2Level - Convert log level in string to LogLevelT
func LogString2Level(logStr string) tk.LogLevelT {
	logLevel := tk.LogDebug
	switch logStr {
	case "info":
		logLevel = tk.LogInfo
	case "error":
		logLevel = tk.LogError
	case "notice":
		logLevel = tk.LogNotice
	case "warning":
		logLevel = tk.LogWarning
	case "alert":
		logLevel = tk.LogAlert
	case "critical":
		logLevel = tk.LogCritical
	case "emergency":
		logLevel = tk.LogEmerg
	case "trace":
		logLevel = tk.LogTrace
	case "debug":
	default:
		logLevel = tk.LogDebug
	}
	return logLevel
}

// Vports2String - walk the ports of dp and hand a line per port to it.
// The registry lock must be held.
func Vports2String(dp *Datapath, it IterIntf) error {
	dp.PortsWalk(func(v *vp.Vport) {
		s := v.GetStats()
		it.NodeWalker(fmt.Sprintf("%-16s port %4d %-8s upcall %d rx %d/%d tx %d/%d err %d/%d drop %d/%d",
			v.Name(), v.PortNo, v.Type(), v.UpcallPortID(),
			s.RxPackets, s.RxBytes, s.TxPackets, s.TxBytes,
			s.RxErrors, s.TxErrors, s.RxDropped, s.TxDropped))
	})
	return nil
}

// ListString2Mods - convert a comma separated option list of ports of type
// t to vport modifications. Vxlan entries are name[:dstport].
func ListString2Mods(list string, t cmn.VportType) ([]cmn.VportMod, error) {
	var mods []cmn.VportMod
	if list == "" || list == "none" {
		return nil, nil
	}

	for _, ent := range strings.Split(list, ",") {
		ent = strings.TrimSpace(ent)
		if ent == "" {
			continue
		}
		vm := cmn.VportMod{Name: ent, Type: t}
		if t == cmn.VportTypeVxlan {
			if name, port, found := strings.Cut(ent, ":"); found {
				dport, err := strconv.ParseUint(port, 10, 16)
				if err != nil || dport == 0 {
					return nil, errors.New("bad vxlan port " + ent)
				}
				buf := vp.NewOptBuf(16)
				if err := buf.PutU16(vp.TunnelAttrDstPort, uint16(dport)); err != nil {
					return nil, err
				}
				vm.Name = name
				vm.Options = buf.Bytes()
			}
		}
		mods = append(mods, vm)
	}
	return mods, nil
}
