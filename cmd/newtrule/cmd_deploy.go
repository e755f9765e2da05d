package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/agent/memagent"
	"github.com/newtron-network/newtrule/pkg/agent/redisagent"
	"github.com/newtron-network/newtrule/pkg/audit"
	"github.com/newtron-network/newtrule/pkg/cli"
	"github.com/newtron-network/newtrule/pkg/compiler"
	"github.com/newtron-network/newtrule/pkg/deploy"
	"github.com/newtron-network/newtrule/pkg/settings"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

var (
	executeMode    bool
	deployBackend  string
	deployReplace  bool
	deployTimeout  time.Duration
	deployParallel int
	deployRate     float64
	deployMetrics  string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Compile and apply rule operations",
	Long: `Compile the route spec and apply the ops to every device.

Without -x the compiled plan is printed and nothing is written. With -x
each device is connected, the ops are applied and a per-op outcome table
is printed. A failed op never stops the run; the command exits non-zero
if any op failed or was skipped.

  newtrule -S specs deploy
  newtrule -S specs deploy -x
  newtrule -S specs deploy -x --backend memory --replace`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, ops, err := compileInputs(deployReplace)
		if err != nil {
			return err
		}
		backend := deployBackend
		if backend == "" {
			backend = userSettings.GetBackend()
		}
		info := audit.RunInfo{User: currentUser(), Backend: backend, Specs: in.files, Execute: executeMode}

		if !executeMode {
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(ops)
			}
			printOps(ops)
			counts := make(map[string]int)
			for device, dops := range compiler.ByDevice(ops) {
				counts[device] = len(dops)
			}
			logEvents(audit.PlanEvents(counts, deviceOrder(in.topo, counts), info))
			printDryRunNotice()
			return nil
		}

		factory, err := backendFactory(backend)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reg := agent.NewRegistry(in.topo, in.pipeline, factory)
		reg.Parallelism = parallelism()
		defer reg.Close()

		devices := deviceOrder(in.topo, compiler.ByDevice(ops))
		if err := reg.Connect(ctx, devices...); err != nil {
			return err
		}
		if n := len(devices) - len(reg.Connected()); n > 0 {
			fmt.Println(cli.Yellow(fmt.Sprintf("%d of %d devices unreachable; their ops will fail", n, len(devices))))
		}

		promReg := prometheus.NewRegistry()
		engine := deploy.NewEngine(reg, deploy.Config{
			RPCTimeout:  rpcTimeout(),
			Parallelism: parallelism(),
			RatePerSec:  deployRate,
			Metrics:     deploy.NewMetrics(promReg),
		})
		report := engine.Deploy(ctx, ops)
		if deployMetrics != "" {
			if err := prometheus.WriteToTextfile(deployMetrics, promReg); err != nil {
				util.Warnf("Writing metrics: %v", err)
			}
		}
		util.WithOperation(audit.OperationDeploy).Infof("%d ops on %d devices in %s",
			len(ops), len(report.Devices()), report.Duration)
		logEvents(audit.FromReport(report, info))

		if jsonOutput {
			if err := json.NewEncoder(os.Stdout).Encode(reportJSON(report)); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
		if !report.Succeeded() {
			return errFailed
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().BoolVarP(&executeMode, "execute", "x", false, "Execute changes (default is dry-run)")
	deployCmd.Flags().StringVar(&deployBackend, "backend", "", "Device backend: redis or memory (default from settings)")
	deployCmd.Flags().BoolVar(&deployReplace, "replace", false, "Replace existing entries instead of inserting")
	deployCmd.Flags().DurationVar(&deployTimeout, "timeout", 0, "Per-write timeout (default from settings, else 5s)")
	deployCmd.Flags().IntVar(&deployParallel, "parallel", 0, "Max devices deployed at once (0 = all)")
	deployCmd.Flags().Float64Var(&deployRate, "rate", 0, "Max writes per second per device (0 = unlimited)")
	deployCmd.Flags().StringVar(&deployMetrics, "metrics-file", "", "Write deploy metrics in Prometheus text format to this file")
}

func backendFactory(backend string) (agent.Factory, error) {
	switch backend {
	case settings.BackendRedis:
		return redisagent.Factory(redisagent.Options{ElectionID: userSettings.ElectionID}), nil
	case settings.BackendMemory:
		return memagent.NewFabric().Factory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", util.ErrInvalidConfig, backend)
	}
}

func rpcTimeout() time.Duration {
	if deployTimeout > 0 {
		return deployTimeout
	}
	return userSettings.GetRPCTimeout()
}

func parallelism() int {
	if deployParallel > 0 {
		return deployParallel
	}
	return userSettings.Parallelism
}

// deviceOrder returns the topology devices present in m, in topology order.
func deviceOrder[V any](topo *topology.Topology, m map[string]V) []string {
	var out []string
	for _, name := range topo.Names() {
		if _, ok := m[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func logEvents(events []*audit.Event) {
	if auditLogger == nil {
		return
	}
	if err := audit.LogAll(auditLogger, events); err != nil {
		util.Warnf("Audit log: %v", err)
	}
}

func printReport(report *deploy.Report) {
	t := cli.NewTable("DEVICE", "OP", "TABLE", "MATCH", "STATUS", "WRITES", "ERROR")
	for _, res := range report.Results {
		errText := ""
		if res.Err != nil && !res.OK() {
			errText = res.Err.Error()
		}
		t.Row(res.Op.Device, strings.ToUpper(string(res.Op.Kind)), string(res.Op.Entry.Table),
			res.Op.Entry.MatchKey(), cli.Status(string(res.Status)), writePath(res), errText)
	}
	t.Flush()

	fmt.Println()
	s := cli.NewTable("DEVICE", "APPLIED", "ABSORBED", "FAILED", "SKIPPED")
	for _, d := range report.Devices() {
		sum := report.Summary(d)
		s.Row(d, fmt.Sprint(sum.Applied), fmt.Sprint(sum.Absorbed), fmt.Sprint(sum.Failed), fmt.Sprint(sum.Skipped))
	}
	s.Flush()

	fmt.Printf("\n%d ops in %s: %d applied, %d absorbed, %d failed, %d skipped\n",
		len(report.Results), report.Duration.Round(time.Millisecond),
		report.Count(deploy.StatusApplied), report.Count(deploy.StatusAbsorbed),
		report.Count(deploy.StatusFailed), report.Count(deploy.StatusSkipped))
	if report.Succeeded() {
		fmt.Println(cli.Green("Deploy complete"))
	} else {
		fmt.Println(cli.Red("Deploy finished with failures"))
	}
}

func writePath(res deploy.OpResult) string {
	parts := make([]string, len(res.Path))
	for i, u := range res.Path {
		parts[i] = string(u)
	}
	return strings.Join(parts, ">")
}

type opResultJSON struct {
	Device string   `json:"device"`
	Kind   string   `json:"kind"`
	Entry  string   `json:"entry"`
	Status string   `json:"status"`
	Writes []string `json:"writes,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func reportJSON(report *deploy.Report) []opResultJSON {
	out := make([]opResultJSON, len(report.Results))
	for i, res := range report.Results {
		out[i] = opResultJSON{
			Device: res.Op.Device,
			Kind:   string(res.Op.Kind),
			Entry:  res.Op.Entry.String(),
			Status: string(res.Status),
		}
		if len(res.Path) > 0 {
			out[i].Writes = strings.Split(writePath(res), ">")
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	return out
}

func printDryRunNotice() {
	if !executeMode {
		fmt.Println("\n" + cli.Yellow("DRY-RUN: No changes applied. Use -x to execute."))
	}
}
