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
	"fmt"
	"runtime"
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"golang.org/x/sys/cpu"
)

// pcpuStats - cumulative counters owned by one cpu. Only the owner
// writes, between updateBegin and updateEnd.
type pcpuStats struct {
	seq       atomic.Uint32
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	_         cpu.CacheLinePad
}

// errStats - error counters, protected by the vport stats lock
type errStats struct {
	rxDropped uint64
	rxErrors  uint64
	txDropped uint64
	txErrors  uint64
}

func (s *pcpuStats) updateBegin() {
	s.seq.Add(1)
}

func (s *pcpuStats) updateEnd() {
	s.seq.Add(1)
}

// fetch - consistent snapshot of the cell. Retries while the owner is in
// the middle of an update.
func (s *pcpuStats) fetch() (rxPackets, rxBytes, txPackets, txBytes uint64) {
	for {
		start := s.seq.Load()
		if start&1 != 0 {
			runtime.Gosched()
			continue
		}
		rxPackets = s.rxPackets.Load()
		rxBytes = s.rxBytes.Load()
		txPackets = s.txPackets.Load()
		txBytes = s.txBytes.Load()
		if s.seq.Load() == start {
			return
		}
	}
}

var maxCPU atomic.Int32

func init() {
	maxCPU.Store(int32(runtime.NumCPU()))
}

// SetMaxCPU - set the number of cpu cells given to vports allocated from
// now on. cpu arguments of Receive and Send must be below this value.
func SetMaxCPU(n int) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	maxCPU.Store(int32(n))
}

// MaxCPU - number of cpu cells given to new vports
func MaxCPU() int {
	return int(maxCPU.Load())
}

// percpuAlloc - allocate the cumulative counter cells of a vport
var percpuAlloc = func(n int) []pcpuStats {
	return make([]pcpuStats, n)
}

func (v *Vport) statsCPU(cpu int) *pcpuStats {
	return &v.percpu[cpu]
}

// SetStats - replace the offset added to the reported statistics
func (v *Vport) SetStats(stats *cmn.VportStats) {
	v.statsLock.Lock()
	v.offsetStats = *stats
	v.statsLock.Unlock()
}

// GetStats - statistics of the vport: offset, error counters and the sum
// of all cpu cells
func (v *Vport) GetStats() cmn.VportStats {
	v.statsLock.Lock()
	stats := v.offsetStats
	stats.RxErrors += v.errStats.rxErrors
	stats.TxErrors += v.errStats.txErrors
	stats.RxDropped += v.errStats.rxDropped
	stats.TxDropped += v.errStats.txDropped
	v.statsLock.Unlock()

	for i := range v.percpu {
		rxp, rxb, txp, txb := v.percpu[i].fetch()
		stats.RxPackets += rxp
		stats.RxBytes += rxb
		stats.TxPackets += txp
		stats.TxBytes += txb
	}

	return stats
}

// RecordError - count a soft error of the given kind. An unknown kind is
// a programming error.
func (v *Vport) RecordError(errType VportErrType) {
	v.statsLock.Lock()
	defer v.statsLock.Unlock()

	switch errType {
	case VportErrRxDropped:
		v.errStats.rxDropped++
	case VportErrRxError:
		v.errStats.rxErrors++
	case VportErrTxDropped:
		v.errStats.txDropped++
	case VportErrTxError:
		v.errStats.txErrors++
	default:
		tk.LogIt(tk.LogCritical, "vport error - unknown error type %d on port %d\n", errType, v.PortNo)
		panic(fmt.Sprintf("vport: unknown error type %d", errType))
	}
}

func (v *Vport) countRx(cpu int, bytes int) {
	s := v.statsCPU(cpu)
	s.updateBegin()
	s.rxPackets.Add(1)
	s.rxBytes.Add(uint64(bytes))
	s.updateEnd()
}

func (v *Vport) countTx(cpu int, bytes int) {
	s := v.statsCPU(cpu)
	s.updateBegin()
	s.txPackets.Add(1)
	s.txBytes.Add(uint64(bytes))
	s.updateEnd()
}
