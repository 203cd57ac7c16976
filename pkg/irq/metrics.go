// Copyright 2026 The AMC-Pico8 Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package irq

import (
	"io"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Metric families exported by WriteMetrics.
const (
	MetricLastLatency     = "pico8_isr_last_latency_cycles"
	MetricMaxLatency      = "pico8_isr_max_latency_cycles"
	MetricInterrupts      = "pico8_isr_total"
	MetricCaptures        = "pico8_capture_total"
	MetricCapturesMissed  = "pico8_capture_missed_total"
	MetricCapturesDropped = "pico8_capture_overwritten_total"
	MetricDMABytes        = "pico8_dma_bytes_last"
)

func family(name, help string, typ io_prometheus_client.MetricType, v uint64, labels []*io_prometheus_client.LabelPair) *io_prometheus_client.MetricFamily {
	m := &io_prometheus_client.Metric{Label: labels}

	if typ == io_prometheus_client.MetricType_COUNTER {
		m.Counter = &io_prometheus_client.Counter{Value: proto.Float64(float64(v))}
	} else {
		m.Gauge = &io_prometheus_client.Gauge{Value: proto.Float64(float64(v))}
	}

	return &io_prometheus_client.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   typ.Enum(),
		Metric: []*io_prometheus_client.Metric{m},
	}
}

// Families returns the broker statistics as metric families. A non-empty
// device adds a "device" label.
func (br *Broker) Families(device string) []*io_prometheus_client.MetricFamily {
	var labels []*io_prometheus_client.LabelPair

	if device != "" {
		labels = append(labels, &io_prometheus_client.LabelPair{
			Name:  proto.String("device"),
			Value: proto.String(device),
		})
	}

	s := br.Stats()
	gauge := io_prometheus_client.MetricType_GAUGE
	counter := io_prometheus_client.MetricType_COUNTER

	return []*io_prometheus_client.MetricFamily{
		family(MetricLastLatency, "Duration of the last interrupt in counter ticks.", gauge, s.LastLatency, labels),
		family(MetricMaxLatency, "Longest interrupt since the last reset in counter ticks.", gauge, s.MaxLatency, labels),
		family(MetricInterrupts, "Interrupts handled since the last reset.", counter, s.InterruptCount, labels),
		family(MetricCaptures, "Capture events latched.", counter, s.Captures, labels),
		family(MetricCapturesMissed, "Capture events the firmware dropped before acknowledge.", counter, s.CapturesMissed, labels),
		family(MetricCapturesDropped, "Captures replaced before being consumed.", counter, s.CapturesOverwritten, labels),
		family(MetricDMABytes, "Bytes reported by the last DMA completion.", gauge, s.LastBytes, labels),
	}
}

// WriteMetrics writes the broker statistics in the Prometheus text format.
func (br *Broker) WriteMetrics(w io.Writer, device string) error {
	for _, mf := range br.Families(device) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}
