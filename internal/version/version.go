// Package version хранит сведения о сборке, заданные через -ldflags.
package version

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build содержит сведения о сборке; отдаётся в /version.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Collector возвращает gauge oms_build_info=1 с версией в метках.
func Collector() prometheus.Collector {
	b := Current()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "oms_build_info",
		Help: "Build information of the order service.",
		ConstLabels: prometheus.Labels{
			"version": b.Version,
			"commit":  b.Commit,
			"date":    b.Date,
		},
	}, func() float64 { return 1 })
}
