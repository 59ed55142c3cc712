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
	"fmt"
	"net/http"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var vportLabels = []string{"datapath", "port", "type"}

// vportCollector - exports the counters of every vport at scrape time
type vportCollector struct {
	hooks cmn.VportHookInterface
	dp    string
	descs map[string]*prometheus.Desc
}

func newVportDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("vport_"+name, help, vportLabels, nil)
}

func vportCollectorNew(dp string, hooks cmn.VportHookInterface) *vportCollector {
	return &vportCollector{
		hooks: hooks,
		dp:    dp,
		descs: map[string]*prometheus.Desc{
			"rx_packets": newVportDesc("rx_packets_total", "Packets received on the vport"),
			"tx_packets": newVportDesc("tx_packets_total", "Packets sent on the vport"),
			"rx_bytes":   newVportDesc("rx_bytes_total", "Bytes received on the vport"),
			"tx_bytes":   newVportDesc("tx_bytes_total", "Bytes sent on the vport"),
			"rx_errors":  newVportDesc("rx_errors_total", "Receive errors of the vport"),
			"tx_errors":  newVportDesc("tx_errors_total", "Transmit errors of the vport"),
			"rx_dropped": newVportDesc("rx_dropped_total", "Received packets dropped on the vport"),
			"tx_dropped": newVportDesc("tx_dropped_total", "Packets dropped on transmit of the vport"),
		},
	}
}

// Describe - implements prometheus.Collector
func (c *vportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect - implements prometheus.Collector
func (c *vportCollector) Collect(ch chan<- prometheus.Metric) {
	vports, err := c.hooks.NetVportGet()
	if err != nil {
		tk.LogIt(tk.LogError, "prometheus: vport get failed %s\n", err)
		return
	}

	for _, v := range vports {
		lv := []string{c.dp, v.Name, v.Type}
		for k, val := range map[string]uint64{
			"rx_packets": v.Stats.RxPackets,
			"tx_packets": v.Stats.TxPackets,
			"rx_bytes":   v.Stats.RxBytes,
			"tx_bytes":   v.Stats.TxBytes,
			"rx_errors":  v.Stats.RxErrors,
			"tx_errors":  v.Stats.TxErrors,
			"rx_dropped": v.Stats.RxDropped,
			"tx_dropped": v.Stats.TxDropped,
		} {
			ch <- prometheus.MustNewConstMetric(c.descs[k], prometheus.CounterValue, float64(val), lv...)
		}
	}
}

// PrometheusRegister - register the vport and datapath metrics of dp in
// reg
func PrometheusRegister(reg prometheus.Registerer, dp *Datapath, hooks cmn.VportHookInterface) {
	reg.MustRegister(vportCollectorNew(dp.Name(), hooks))

	labels := prometheus.Labels{"datapath": dp.Name()}
	factory := promauto.With(reg)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name:        "datapath_missed_total",
		Help:        "Packets that matched no flow",
		ConstLabels: labels,
	}, func() float64 { return float64(dp.Stats().Missed) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name:        "datapath_lost_total",
		Help:        "Packets lost before reaching userspace or a port",
		ConstLabels: labels,
	}, func() float64 { return float64(dp.Stats().Lost) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "datapath_ports",
		Help:        "Ports of the datapath",
		ConstLabels: labels,
	}, func() float64 {
		vports, _ := hooks.NetVportGet()
		return float64(len(vports))
	})
}

// PrometheusInit - serve the metrics of dp on port
func PrometheusInit(dp *Datapath, hooks cmn.VportHookInterface, port int) {
	reg := prometheus.NewRegistry()
	PrometheusRegister(reg, dp, hooks)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			tk.LogIt(tk.LogError, "prometheus: serve on %s failed %s\n", addr, err)
		}
	}()
}
