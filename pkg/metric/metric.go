// Copyright 2026 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once, at package initialization, and exported in the
// Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/vmcore/pkg/sync"

	dto "github.com/prometheus/client_model/go"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not have the
	// "/component/name" form.
	ErrInvalidName = errors.New("metric name must start with '/'")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// namespace prefixes every exported metric name.
const namespace = "vmcore"

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored, optionally broken down by fields.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// values is keyed by the joined field values. It is populated with
	// every allowed combination at creation and never mutated afterwards.
	values map[string]*atomic.Uint64
}

// customUint64Metric is a metric whose value is computed on export.
type customUint64Metric struct {
	name        string
	description string
	cumulative  bool
	value       func() uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu      sync.Mutex
	uint64s map[string]*Uint64Metric
	customs map[string]*customUint64Metric
}

var allMetrics = makeMetricSet()

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64s: make(map[string]*Uint64Metric),
		customs: make(map[string]*customUint64Metric),
	}
}

func (s *metricSet) checkName(name string) error {
	if !strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := s.uint64s[name]; ok {
		return ErrNameInUse
	}
	if _, ok := s.customs[name]; ok {
		return ErrNameInUse
	}
	return nil
}

func fieldKey(fieldValues []string) string {
	return strings.Join(fieldValues, "\x00")
}

// combinations returns every combination of allowed field values.
func combinations(fields []Field) [][]string {
	combos := [][]string{nil}
	for _, f := range fields {
		var next [][]string
		for _, prefix := range combos {
			for _, v := range f.allowedValues {
				c := append(append([]string(nil), prefix...), v)
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkName(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		values:      make(map[string]*atomic.Uint64),
	}
	for _, c := range combinations(fields) {
		m.values[fieldKey(c)] = new(atomic.Uint64)
	}
	allMetrics.uint64s[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by the provided function at export time. cumulative
// selects between a counter and a gauge.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkName(name); err != nil {
		return err
	}
	allMetrics.customs[name] = &customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %s takes %d fields, got %v", m.name, len(m.fields), fieldValues))
	}
	c, ok := m.values[fieldKey(fieldValues)]
	if !ok {
		panic(fmt.Sprintf("metric %s: invalid field values %v", m.name, fieldValues))
	}
	return c
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// promName converts "/vm/page_faults" to "vmcore_vm_page_faults".
func promName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	f := &dto.MetricFamily{
		Name: proto.String(promName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, c := range combinations(m.fields) {
		metric := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[fieldKey(c)].Load()))},
		}
		for i, v := range c {
			metric.Label = append(metric.Label, &dto.LabelPair{
				Name:  proto.String(m.fields[i].name),
				Value: proto.String(v),
			})
		}
		f.Metric = append(f.Metric, metric)
	}
	return f
}

func (m *customUint64Metric) family() *dto.MetricFamily {
	v := proto.Float64(float64(m.value()))
	f := &dto.MetricFamily{
		Name: proto.String(promName(m.name)),
		Help: proto.String(m.description),
	}
	if m.cumulative {
		f.Type = dto.MetricType_COUNTER.Enum()
		f.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: v}}}
	} else {
		f.Type = dto.MetricType_GAUGE.Enum()
		f.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: v}}}
	}
	return f
}

// Families returns a snapshot of every registered metric, sorted by name.
func Families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	var fams []*dto.MetricFamily
	for _, m := range allMetrics.uint64s {
		fams = append(fams, m.family())
	}
	for _, m := range allMetrics.customs {
		fams = append(fams, m.family())
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, f := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing metric %s: %w", f.GetName(), err)
		}
	}
	return nil
}
