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
	"testing"

	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusRegister(t *testing.T) {
	dp, _ := newTestDatapath(t, "eth0")
	na := NetAPIInit(dp)

	_, err := na.NetVportAdd(&cmn.VportMod{Name: "eth0", Type: cmn.VportTypeNetdev, UpcallPortID: 99})
	require.NoError(t, err)
	_, err = na.NetVportSetStats("eth0", &cmn.VportStats{RxPackets: 5, TxErrors: 2})
	require.NoError(t, err)

	dp.Registry().Lock()
	v := dp.PortFindByName("eth0")
	dp.Registry().Unlock()
	v.SetUpcallPortID(1000)
	dp.ProcessReceivedPacket(v, vp.NewPacket(ethFrame(64)))

	reg := prometheus.NewRegistry()
	PrometheusRegister(reg, dp, na)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := make(map[string]*dto.MetricFamily)
	for _, mf := range mfs {
		found[mf.GetName()] = mf
	}

	mf := found["vport_rx_packets_total"]
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 2)
	for _, m := range mf.GetMetric() {
		assert.Equal(t, "dp0", labelValue(m, "datapath"))
		if labelValue(m, "port") == "eth0" {
			assert.Equal(t, "netdev", labelValue(m, "type"))
			assert.Equal(t, float64(5), m.GetCounter().GetValue())
		}
	}

	mf = found["vport_tx_errors_total"]
	require.NotNil(t, mf)
	for _, m := range mf.GetMetric() {
		if labelValue(m, "port") == "eth0" {
			assert.Equal(t, float64(2), m.GetCounter().GetValue())
		}
	}

	mf = found["datapath_missed_total"]
	require.NotNil(t, mf)
	assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())

	mf = found["datapath_lost_total"]
	require.NotNil(t, mf)
	assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())

	mf = found["datapath_ports"]
	require.NotNil(t, mf)
	assert.Equal(t, float64(2), mf.GetMetric()[0].GetGauge().GetValue())
}
