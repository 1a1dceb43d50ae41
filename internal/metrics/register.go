package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// mustRegister регистрирует коллектор или возвращает уже зарегистрированный
// с тем же описанием. Несовпадение типа считается ошибкой программиста.
func mustRegister[C prometheus.Collector](registerer prometheus.Registerer, collector C, name string) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		panic(fmt.Sprintf("register %q: %v", name, err))
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered with type %T", name, already.ExistingCollector))
	}
	return existing
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return mustRegister(registerer, prometheus.NewCounter(opts), opts.Name)
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return mustRegister(registerer, prometheus.NewCounterVec(opts, labels), opts.Name)
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return mustRegister(registerer, prometheus.NewGauge(opts), opts.Name)
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return mustRegister(registerer, prometheus.NewHistogramVec(opts, labels), opts.Name)
}
