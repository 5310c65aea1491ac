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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gvisor.dev/vmcore/pkg/atomicbitops"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/prometheus"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name is not of the form /component/name")
)

// validName matches metric names; every name must convert to a valid
// Prometheus name.
var validName = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomicbitops.Uint64
}

// customUint64Metric is a registered metric whose value is read through a
// function.
type customUint64Metric struct {
	// name, cumulative and description are immutable.
	name        string
	cumulative  bool
	description string

	// value returns the current value of the metric.
	value func() uint64
}

var (
	// mu protects the registry below.
	mu sync.Mutex

	// initialized indicates that all metrics are registered. allMetrics is
	// immutable once initialized is true.
	initialized bool

	// allMetrics are the registered metrics.
	allMetrics = make(map[string]customUint64Metric)
)

// Initialize freezes the set of registered metrics.
//
// Precondition:
//   - All metrics are registered.
//   - Initialize has not been called.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return errors.New("metric.Initialize called after metric.Initialize")
	}
	initialized = true
	log.Debugf("Metrics initialized: %d registered", len(allMetrics))
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Register must only be called at init and will return and error if called
// after Initialized.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize has not been called.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return ErrInitializationDone
	}
	if _, ok := allMetrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics[name] = customUint64Metric{
		name:        name,
		cumulative:  cumulative,
		description: description,
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

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	var m Uint64Metric
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// PrometheusName converts a metric name such as /mm/pages_populated into
// its Prometheus form, mm_pages_populated.
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Values returns the current value of every registered metric, by name.
func Values() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	vals := make(map[string]uint64, len(allMetrics))
	for name, m := range allMetrics {
		vals[name] = m.value()
	}
	return vals
}

// GetSnapshot returns a Prometheus snapshot of all registered metrics.
func GetSnapshot() *prometheus.Snapshot {
	mu.Lock()
	metrics := make([]customUint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		metrics = append(metrics, m)
	}
	mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	s := prometheus.NewSnapshot()
	for _, m := range metrics {
		typ := prometheus.TypeGauge
		if m.cumulative {
			typ = prometheus.TypeCounter
		}
		s.Add(prometheus.NewData(&prometheus.Metric{
			Name: PrometheusName(m.name),
			Type: typ,
			Help: m.description,
		}, m.value()))
	}
	return s
}
