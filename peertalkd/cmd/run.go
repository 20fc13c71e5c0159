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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peertalk/peertalk/node"
	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/stats"
)

var (
	cfgPath        string
	localName      string
	discoveryPort  int
	tcpPort        int
	udpPort        int
	interval       time.Duration
	pollEvery      time.Duration
	chatEvery      time.Duration
	autoConnect    bool
	monitoringPort int
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a yaml config file")
	runCmd.Flags().StringVarP(&localName, "name", "n", "", "peer name announced on the LAN")
	runCmd.Flags().IntVar(&discoveryPort, "discoveryport", 0, "discovery UDP port")
	runCmd.Flags().IntVar(&tcpPort, "tcpport", 0, "TCP session port")
	runCmd.Flags().IntVar(&udpPort, "udpport", 0, "UDP messaging port")
	runCmd.Flags().DurationVarP(&interval, "interval", "i", 0, "discovery announce interval")
	runCmd.Flags().DurationVar(&pollEvery, "poll", 10*time.Millisecond, "poll cadence")
	runCmd.Flags().DurationVar(&chatEvery, "chat", 0, "broadcast a heartbeat message at this interval (0 disables)")
	runCmd.Flags().BoolVar(&autoConnect, "autoconnect", true, "connect to every discovered peer")
	runCmd.Flags().IntVar(&monitoringPort, "monitoringport", 0, "serve Prometheus metrics on this port (0 disables)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a node until interrupted (or TEST_DURATION_SEC elapses)",
	Run: func(c *cobra.Command, args []string) {
		setFlags := map[string]bool{}
		for _, name := range []string{"name", "discoveryport", "tcpport", "udpport", "interval"} {
			setFlags[name] = c.Flags().Changed(name)
		}
		cfg, err := node.PrepareConfig(cfgPath, localName, discoveryPort, tcpPort, udpPort, interval, setFlags)
		if err != nil {
			log.Fatal(err)
		}
		if err := run(cfg); err != nil {
			log.Fatal(err)
		}
	},
}

func run(cfg *node.Config) error {
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	n.SetCallbacks(node.Callbacks{
		OnPeerDiscovered: func(id peer.ID, info peer.Info) {
			log.Infof("discovered peer %d (%s)", id, n.GetPeerName(info.NameIdx))
			if autoConnect {
				if err := n.Connect(id); err != nil {
					log.Warnf("connect to peer %d: %v", id, err)
				}
			}
		},
		OnPeerLost: func(id peer.ID, info peer.Info) {
			log.Infof("lost peer %d", id)
		},
		OnPeerConnected: func(id peer.ID, info peer.Info) {
			log.Infof("connected to peer %d", id)
		},
		OnPeerDisconnected: func(id peer.ID, reason peer.DisconnectReason) {
			log.Infof("peer %d disconnected: %s", id, reason)
		},
		OnMessageReceived: func(id peer.ID, payload []byte) {
			log.Debugf("message from peer %d: %d bytes", id, len(payload))
		},
	})
	if err := n.StartListening(); err != nil {
		return err
	}
	if err := n.StartDiscovery(); err != nil {
		n.Shutdown()
		return err
	}
	defer n.Shutdown()

	if monitoringPort > 0 {
		exporter := stats.NewPrometheusExporter(stats.SnapshotFunc(n.GetGlobalStats), monitoringPort, 10*time.Second)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Errorf("prometheus exporter: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	// test harnesses bound the run via the environment
	var deadline <-chan time.Time
	if v := os.Getenv("TEST_DURATION_SEC"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("bad TEST_DURATION_SEC %q", v)
		}
		deadline = time.After(time.Duration(secs) * time.Second)
	}

	tick := time.NewTicker(pollEvery)
	defer tick.Stop()
	var chat <-chan time.Time
	if chatEvery > 0 {
		chatTick := time.NewTicker(chatEvery)
		defer chatTick.Stop()
		chat = chatTick.C
	}
	seq := 0
loop:
	for {
		select {
		case <-tick.C:
			if err := n.Poll(); err != nil {
				return err
			}
		case <-chat:
			seq++
			msg := fmt.Sprintf("hello #%d from %s", seq, cfg.LocalName)
			if err := n.Broadcast([]byte(msg)); err != nil {
				log.Debugf("broadcast: %v", err)
			}
		case <-sig:
			log.Info("interrupted")
			break loop
		case <-deadline:
			log.Info("test duration elapsed")
			break loop
		}
	}

	peers := n.GetPeers(0)
	printPeers(n, peers)
	printSummary(n.GetGlobalStats(), peers)

	if v := os.Getenv("MIN_PEERS_EXPECTED"); v != "" {
		minPeers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bad MIN_PEERS_EXPECTED %q", v)
		}
		if len(peers) < minPeers {
			return fmt.Errorf("expected at least %d peers, saw %d", minPeers, len(peers))
		}
	}
	return nil
}

func printPeers(n *node.Node, peers []peer.Info) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"id", "name", "addr", "state", "quality", "latency ms", "msgs tx", "msgs rx"})
	for _, p := range peers {
		table.Append([]string{
			fmt.Sprintf("%d", p.ID),
			n.GetPeerName(p.NameIdx),
			fmt.Sprintf("%s:%d", p.Addr, p.TCPPort),
			p.State.String(),
			fmt.Sprintf("%d", p.Quality),
			fmt.Sprintf("%d", p.LatencyMs),
			fmt.Sprintf("%d", p.Counters.MessagesSent),
			fmt.Sprintf("%d", p.Counters.MessagesReceived),
		})
	}
	table.Render()
}

func printSummary(g stats.Global, peers []peer.Info) {
	latencies := []float64{}
	connected := 0
	for _, p := range peers {
		if p.State == peer.Connected {
			connected++
		}
		if p.LatencyMs > 0 {
			latencies = append(latencies, float64(p.LatencyMs))
		}
	}
	agg := stats.AggregateLatency(latencies)
	line := fmt.Sprintf("peers: %d discovered, %d connected; tx %d msgs / %d bytes; rx %d msgs / %d bytes; mean latency %.1fms",
		g.PeersDiscovered, connected, g.MessagesSent, g.BytesSent, g.MessagesReceived, g.BytesReceived, agg.MeanMs)
	if connected > 0 {
		color.Green(line)
	} else {
		color.Yellow(line)
	}
}
