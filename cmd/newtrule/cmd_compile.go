package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtrule/pkg/cli"
	"github.com/newtron-network/newtrule/pkg/compiler"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/util"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the topology and route spec",
	Long: `Load the topology, route spec and pipeline and run every structural and
cross-entry check without producing ops.

  newtrule -S specs validate`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := loadInputs()
		if err != nil {
			return err
		}
		if err := in.spec.Validate(); err != nil {
			return err
		}
		if err := in.spec.CheckDevices(in.topo); err != nil {
			return err
		}
		fmt.Printf("%s topology %s: %d devices, %d route entries in %d files\n",
			cli.Green("OK"), in.topo.Name(), len(in.topo.Names()), in.spec.Len(), len(in.files))
		if len(in.spec.TunnelPaths) > 0 {
			ids := make([]uint32, len(in.spec.TunnelPaths))
			for i, p := range in.spec.TunnelPaths {
				ids[i] = p.ID
			}
			fmt.Printf("   tunnel paths: %s\n", util.CompactRange(ids))
		}
		return nil
	},
}

var compileReplace bool

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Print the compiled rule operations",
	Long: `Compile the route spec against the topology and print the ordered
per-device op list. Nothing is written to any device.

  newtrule -S specs compile
  newtrule -S specs compile --replace --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ops, err := compileInputs(compileReplace)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(ops)
		}
		if len(ops) == 0 {
			fmt.Println("No operations")
			return nil
		}
		printOps(ops)
		return nil
	},
}

func init() {
	compileCmd.Flags().BoolVar(&compileReplace, "replace", false, "Compile winning entries as replace instead of insert")
}

// compileInputs loads and compiles the spec files.
func compileInputs(replace bool) (*inputs, []rule.RuleOp, error) {
	in, err := loadInputs()
	if err != nil {
		return nil, nil, err
	}
	opts := compiler.Options{Update: rule.OpInsert}
	if replace {
		opts.Update = rule.OpReplace
	}
	ops, err := compiler.Compile(in.spec, in.topo, opts)
	if err != nil {
		return nil, nil, err
	}
	return in, ops, nil
}

func printOps(ops []rule.RuleOp) {
	t := cli.NewTable("DEVICE", "OP", "FAMILY", "TABLE", "MATCH", "ACTION")
	for _, op := range ops {
		action := op.Entry.Action
		if len(op.Entry.Params) > 0 {
			action += " " + params(op.Entry.Params)
		}
		kind := strings.ToUpper(string(op.Kind))
		if op.BestEffort {
			kind += "*"
		}
		t.Row(op.Device, kind, string(op.Family), string(op.Entry.Table), op.Entry.MatchKey(), action)
	}
	t.Flush()
	fmt.Printf("\n%d ops across %d devices (* best effort)\n", len(ops), len(compiler.ByDevice(ops)))
}

func params(p map[string]string) string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + p[n]
	}
	return strings.Join(parts, " ")
}
