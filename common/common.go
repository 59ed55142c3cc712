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
package common

// VportType - type of a vport
type VportType uint8

// vport types
const (
	VportTypeUnspec VportType = iota
	VportTypeNetdev
	VportTypeInternal
	VportTypeGre
	VportTypeVxlan
)

// String - printable name of a vport type
func (t VportType) String() string {
	switch t {
	case VportTypeNetdev:
		return "netdev"
	case VportTypeInternal:
		return "internal"
	case VportTypeGre:
		return "gre"
	case VportTypeVxlan:
		return "vxlan"
	}
	return "unspec"
}

// VportTypeFromString - convert a vport type name to VportType
func VportTypeFromString(s string) VportType {
	switch s {
	case "netdev", "system":
		return VportTypeNetdev
	case "internal":
		return VportTypeInternal
	case "gre":
		return VportTypeGre
	case "vxlan":
		return VportTypeVxlan
	}
	return VportTypeUnspec
}

// VportStats - statistics of a vport as reported to users
type VportStats struct {
	RxPackets uint64 `json:"rxPackets"`
	TxPackets uint64 `json:"txPackets"`
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
	RxErrors  uint64 `json:"rxErrors"`
	TxErrors  uint64 `json:"txErrors"`
	RxDropped uint64 `json:"rxDropped"`
	TxDropped uint64 `json:"txDropped"`
}

// VportMod - information required to add or modify a vport
type VportMod struct {
	Name         string    `json:"name"`
	Type         VportType `json:"type"`
	UpcallPortID uint32    `json:"upcallPortID"`
	// Options holds the netlink encoded contents of the options attribute
	Options []byte `json:"options,omitempty"`
}

// VportDump - vport information dumped to users
type VportDump struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	PortNo       uint32     `json:"portNo"`
	UpcallPortID uint32     `json:"upcallPortID"`
	Stats        VportStats `json:"stats"`
	Options      []byte     `json:"options,omitempty"`
}

// VportHookInterface - hooks to configure vports of a switch instance
type VportHookInterface interface {
	NetVportAdd(*VportMod) (int, error)
	NetVportDel(*VportMod) (int, error)
	NetVportGet() ([]VportDump, error)
	NetVportSetStats(string, *VportStats) (int, error)
	NetVportSetOptions(*VportMod) (int, error)
	NetVportSetUpcallPortID(*VportMod) (int, error)
}
