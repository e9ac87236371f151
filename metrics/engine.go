package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaberg/mediastation/torrent"
)

// Lister is the part of the engine the collector reads.
type Lister interface {
	List() []torrent.Snapshot
}

var _ prometheus.Collector = &EngineCollector{}

var trackedStates = []torrent.State{
	torrent.Pending,
	torrent.FetchingMetadata,
	torrent.Downloading,
	torrent.Paused,
	torrent.Completed,
	torrent.Failed,
}

// EngineCollector exports the live session table on every scrape.
type EngineCollector struct {
	l Lister

	sessions *prometheus.Desc
	speed    *prometheus.Desc
	done     *prometheus.Desc
	peers    *prometheus.Desc
}

func NewEngineCollector(l Lister) *EngineCollector {
	return &EngineCollector{
		l: l,
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "sessions"),
			"Tracked sessions by state.",
			[]string{"state"}, nil,
		),
		speed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "download_speed_bytes"),
			"Aggregate download speed of all downloading sessions.",
			nil, nil,
		),
		done: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "bytes_done"),
			"Bytes downloaded across tracked sessions.",
			nil, nil,
		),
		peers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "peers"),
			"Connected peers across downloading sessions.",
			nil, nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.speed
	ch <- c.done
	ch <- c.peers
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[torrent.State]int, len(trackedStates))
	var speed, done int64
	var peers int
	for _, s := range c.l.List() {
		counts[s.State]++
		done += s.BytesDone
		if s.State == torrent.Downloading {
			speed += s.SpeedBytesPerSec
			peers += s.Peers
		}
	}

	for _, st := range trackedStates {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(c.speed, prometheus.GaugeValue, float64(speed))
	ch <- prometheus.MustNewConstMetric(c.done, prometheus.GaugeValue, float64(done))
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(peers))
}

// Outcomes counts terminal events. Subscribe it to the engine.
type Outcomes struct{}

func (Outcomes) OnSnapshot(torrent.Snapshot) {}

func (Outcomes) OnTerminal(ev torrent.TerminalEvent) {
	SessionsFinishedTotal.WithLabelValues(string(ev.State)).Inc()
}
