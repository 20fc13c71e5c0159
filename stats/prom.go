/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Snapshotter is the minimal surface an exporter needs from a stats
// source
type Snapshotter interface {
	Snapshot() Global
}

// SnapshotFunc adapts a plain function to Snapshotter
type SnapshotFunc func() Global

// Snapshot calls f
func (f SnapshotFunc) Snapshot() Global { return f() }

// PrometheusExporter periodically snapshots a stats source into gauges
// and serves them over /metrics
type PrometheusExporter struct {
	registry   *prometheus.Registry
	source     Snapshotter
	listenPort int
	interval   time.Duration
	gauges     map[string]prometheus.Gauge
}

// NewPrometheusExporter creates an exporter scraping source every
// interval, listening on listenPort
func NewPrometheusExporter(source Snapshotter, listenPort int, interval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		source:     source,
		listenPort: listenPort,
		interval:   interval,
		gauges:     map[string]prometheus.Gauge{},
	}
}

// Start runs the scrape loop and the HTTP listener. It blocks; run it
// on its own goroutine.
func (e *PrometheusExporter) Start() error {
	go func() {
		for {
			e.scrape()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux)
}

func (e *PrometheusExporter) scrape() {
	g := e.source.Snapshot()
	for name, val := range map[string]uint32{
		"peertalk_bytes_sent":                 g.BytesSent,
		"peertalk_bytes_received":             g.BytesReceived,
		"peertalk_messages_sent":              g.MessagesSent,
		"peertalk_messages_received":          g.MessagesReceived,
		"peertalk_discovery_packets_sent":     g.DiscoverySent,
		"peertalk_discovery_packets_received": g.DiscoveryReceived,
		"peertalk_connections_accepted":       g.ConnectionsAccepted,
		"peertalk_connections_rejected":       g.ConnectionsRejected,
		"peertalk_peers_discovered":           g.PeersDiscovered,
		"peertalk_peers_connected":            g.PeersConnected,
	} {
		e.set(name, float64(val))
	}
}

func (e *PrometheusExporter) set(name string, val float64) {
	gauge, ok := e.gauges[name]
	if !ok {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: name})
		if err := e.registry.Register(gauge); err != nil {
			log.Errorf("failed to register metric %s: %v", name, err)
			return
		}
		e.gauges[name] = gauge
	}
	gauge.Set(val)
}
