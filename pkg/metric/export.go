// Copyright 2023 The gVisor Authors.
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

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Prefix is prepended to every exported metric name.
const Prefix = "vmcore"

// prometheusName converts a metric name such as "/pgalloc/pages_allocated"
// into a Prometheus-compliant one.
func prometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return Prefix + "_" + name
}

// GetMetricFamilies returns a snapshot of all registered metrics.
func GetMetricFamilies() []*dto.MetricFamily {
	var families []*dto.MetricFamily
	for _, rm := range registered() {
		typ := dto.MetricType_GAUGE
		if rm.cumulative {
			typ = dto.MetricType_COUNTER
		}
		mf := &dto.MetricFamily{
			Name: proto.String(prometheusName(rm.name)),
			Help: proto.String(rm.description),
			Type: typ.Enum(),
		}
		for key := 0; key < rm.mapper.numKeys(); key++ {
			fieldValues := rm.mapper.keyToMultiField(key)
			m := &dto.Metric{}
			for i, v := range fieldValues {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(rm.mapper.fields[i].name),
					Value: proto.String(v),
				})
			}
			val := float64(rm.value(fieldValues...))
			if rm.cumulative {
				m.Counter = &dto.Counter{Value: proto.Float64(val)}
			} else {
				m.Gauge = &dto.Gauge{Value: proto.Float64(val)}
			}
			mf.Metric = append(mf.Metric, m)
		}
		families = append(families, mf)
	}
	return families
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// format and returns the number of bytes written.
func WritePrometheus(w io.Writer) (int, error) {
	total := 0
	for _, mf := range GetMetricFamilies() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
