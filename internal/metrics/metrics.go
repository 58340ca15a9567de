// Package metrics holds the Prometheus collectors for the filter and the
// admin API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	statusLookupsName  = "repsheet_status_lookups_total"
	decisionsName      = "repsheet_filter_decisions_total"
	backendErrorsName  = "repsheet_backend_errors_total"
	blacklistWriteName = "repsheet_blacklist_writes_total"
)

type Metrics struct {
	statusLookups   *prom.CounterVec
	decisions       *prom.CounterVec
	backendErrors   *prom.CounterVec
	blacklistWrites *prom.CounterVec
}

// New registers the collectors on prom.DefaultRegisterer.
func New() (*Metrics, error) {
	return NewWithRegisterer(prom.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors on registerer, reusing
// compatible collectors that are already registered. A nil registerer means
// prom.DefaultRegisterer.
func NewWithRegisterer(registerer prom.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prom.DefaultRegisterer
	}

	counters := []struct {
		name   string
		help   string
		labels []string
		target **prom.CounterVec
	}{
		{statusLookupsName, "Actor status lookups by kind and resolved status.", []string{"kind", "status"}, nil},
		{decisionsName, "Filter decisions by outcome (allow, flag, block, error).", []string{"decision"}, nil},
		{backendErrorsName, "Backend failures by operation.", []string{"op"}, nil},
		{blacklistWriteName, "Blacklist writes by actor kind.", []string{"kind"}, nil},
	}

	m := &Metrics{}
	counters[0].target = &m.statusLookups
	counters[1].target = &m.decisions
	counters[2].target = &m.backendErrors
	counters[3].target = &m.blacklistWrites

	for _, def := range counters {
		collector := prom.NewCounterVec(prom.CounterOpts{Name: def.name, Help: def.help}, def.labels)
		registered, err := registerCounterVec(registerer, collector, def.name)
		if err != nil {
			return nil, err
		}
		*def.target = registered
	}

	return m, nil
}

func registerCounterVec(registerer prom.Registerer, collector *prom.CounterVec, metricName string) (*prom.CounterVec, error) {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prom.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(*prom.CounterVec)
			if ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: %q already registered with incompatible collector type %T", metricName, alreadyRegistered.ExistingCollector)
		}
		return nil, fmt.Errorf("metrics: register %q: %w", metricName, err)
	}
	return collector, nil
}

func (m *Metrics) StatusLookup(kind, status string) {
	if m == nil {
		return
	}
	m.statusLookups.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) BackendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) BlacklistWrite(kind string) {
	if m == nil {
		return
	}
	m.blacklistWrites.WithLabelValues(kind).Inc()
}
