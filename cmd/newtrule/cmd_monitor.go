package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/cli"
	"github.com/newtron-network/newtrule/pkg/monitor"
	"github.com/newtron-network/newtrule/pkg/util"
)

var (
	monitorInterval time.Duration
	monitorListen   string
	monitorCount    int
	monitorTunnels  string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll tunnel packet counters",
	Long: `Read the ingress and egress packet counters of every tunnel path and
print one line per tunnel each interval. With --listen the counts are also
served as Prometheus metrics at /metrics.

  newtrule -S specs monitor
  newtrule -S specs monitor --interval 5s --count 3
  newtrule -S specs monitor --listen :9100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := loadInputs()
		if err != nil {
			return err
		}
		if err := in.spec.Validate(); err != nil {
			return err
		}
		tunnels, err := selectTunnels(monitor.Tunnels(in.spec), monitorTunnels)
		if err != nil {
			return err
		}
		if len(tunnels) == 0 {
			fmt.Println("No tunnels to monitor")
			return nil
		}

		backend := deployBackend
		if backend == "" {
			backend = userSettings.GetBackend()
		}
		factory, err := backendFactory(backend)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reg := agent.NewRegistry(in.topo, in.pipeline, factory)
		defer reg.Close()
		if err := reg.Connect(ctx, tunnelDevices(tunnels)...); err != nil {
			return err
		}

		promReg := prometheus.NewRegistry()
		m := monitor.New(reg, tunnels, monitor.Config{
			Interval:   monitorInterval,
			Registerer: promReg,
		})
		if monitorListen != "" {
			srv := &http.Server{
				Addr:              monitorListen,
				Handler:           metricsMux(promReg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					util.Errorf("Metrics listener: %v", err)
				}
			}()
			defer srv.Close()
			util.Infof("Serving metrics on %s/metrics", monitorListen)
		}

		err = m.Run(ctx, monitorCount, printSamples)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", monitor.DefaultInterval, "Poll interval")
	monitorCmd.Flags().StringVar(&monitorListen, "listen", "", "Serve Prometheus metrics on this address")
	monitorCmd.Flags().IntVar(&monitorCount, "count", 0, "Stop after this many rounds (0 = until interrupted)")
	monitorCmd.Flags().StringVar(&monitorTunnels, "tunnels", "", "Tunnel ids to poll, e.g. 100-105,300 (default all)")
	monitorCmd.Flags().StringVar(&deployBackend, "backend", "", "Device backend: redis or memory (default from settings)")
}

// selectTunnels keeps the tunnels whose id is listed in ids. An empty list
// keeps all.
func selectTunnels(all []monitor.Tunnel, ids string) ([]monitor.Tunnel, error) {
	want, err := util.ExpandRange(ids)
	if err != nil {
		return nil, fmt.Errorf("%w: --tunnels: %v", util.ErrInvalidConfig, err)
	}
	if len(want) == 0 {
		return all, nil
	}
	keep := make(map[uint32]bool, len(want))
	for _, id := range want {
		keep[id] = true
	}
	var out []monitor.Tunnel
	for _, t := range all {
		if keep[t.ID] {
			out = append(out, t)
			delete(keep, t.ID)
		}
	}
	for id := range keep {
		util.Warnf("Tunnel %d has no path with an egress", id)
	}
	return out, nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func tunnelDevices(tunnels []monitor.Tunnel) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tunnels {
		for _, d := range []string{t.Ingress, t.Egress} {
			if d != "" && !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

func printSamples(samples []monitor.Sample) {
	if len(samples) == 0 {
		return
	}
	fmt.Println(cli.Dim(samples[0].At.Format("15:04:05")))
	for _, s := range samples {
		label := cli.DotPad(fmt.Sprintf("tunnel %d (%s -> %s)", s.Tunnel.ID, s.Tunnel.Ingress, s.Tunnel.Egress), 36)
		if s.Err != nil {
			fmt.Printf("  %s %d %s\n", label, s.Value(), cli.Yellow(s.Err.Error()))
			continue
		}
		fmt.Printf("  %s %d\n", label, s.Value())
	}
}
