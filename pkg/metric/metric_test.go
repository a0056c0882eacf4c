// Copyright 2018 The gVisor Authors.
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
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUint64MetricFields(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/fields", "test metric with fields",
		NewField("kind", []string{"a", "b"}),
		NewField("op", []string{"x", "y", "z"}))

	m.Increment("a", "x")
	m.IncrementBy(5, "b", "z")
	m.Increment("b", "z")

	for _, test := range []struct {
		fields []string
		want   uint64
	}{
		{fields: []string{"a", "x"}, want: 1},
		{fields: []string{"a", "y"}, want: 0},
		{fields: []string{"b", "z"}, want: 6},
	} {
		if got := m.Value(test.fields...); got != test.want {
			t.Errorf("Value(%v) = %d, want %d", test.fields, got, test.want)
		}
	}
}

func TestFieldMapperRoundTrip(t *testing.T) {
	f, err := newFieldMapper(NewField("kind", []string{"a", "b"}), NewField("op", []string{"x", "y", "z"}))
	if err != nil {
		t.Fatalf("newFieldMapper failed: %v", err)
	}
	if got, want := f.numKeys(), 6; got != want {
		t.Fatalf("numKeys() = %d, want %d", got, want)
	}
	for key := 0; key < f.numKeys(); key++ {
		if got := f.lookup(f.keyToMultiField(key)...); got != key {
			t.Errorf("lookup(keyToMultiField(%d)) = %d", key, got)
		}
	}
}

func TestRegistrationErrors(t *testing.T) {
	MustCreateNewUint64Metric("/test/dup", "first")
	if _, err := NewUint64Metric("/test/dup", "second"); err != ErrNameInUse {
		t.Errorf("duplicate registration error = %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/test/nofield", "", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("empty field error = %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
	if _, err := NewUint64Metric("/test/badvalue", "", NewField("f", []string{"a\"b"})); err != ErrFieldValueContainsIllegalChar {
		t.Errorf("illegal value error = %v, want %v", err, ErrFieldValueContainsIllegalChar)
	}
}

func TestWritePrometheus(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/export/counter", "exported counter", NewField("kind", []string{"anon", "file"}))
	m.IncrementBy(3, "file")
	MustRegisterCustomUint64Metric("/test/export/gauge", false, "exported gauge", func(...string) uint64 { return 42 })

	var buf bytes.Buffer
	if _, err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE vmcore_test_export_counter counter",
		`vmcore_test_export_counter{kind="anon"} 0`,
		`vmcore_test_export_counter{kind="file"} 3`,
		"# HELP vmcore_test_export_gauge exported gauge",
		"# TYPE vmcore_test_export_gauge gauge",
		"vmcore_test_export_gauge 42",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrometheusName(t *testing.T) {
	got := []string{prometheusName("/pgalloc/pages_allocated"), prometheusName("vralloc/fallback-anywhere")}
	want := []string{"vmcore_pgalloc_pages_allocated", "vmcore_vralloc_fallback_anywhere"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prometheusName mismatch (-want +got):\n%s", diff)
	}
}
