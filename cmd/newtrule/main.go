// Newtrule - multi-technology forwarding rule deployment tool
//
// Compiles a declarative route spec against a fixed device topology into
// per-device table operations and deploys them with idempotent
// insert/replace/delete semantics.
//
//	newtrule [-S <specdir>] [-t topology.yaml] [-r routes.yaml ...] <command> [-x]
//
// Commands:
//
//	validate   - Load the topology and route spec and check them
//	compile    - Print the compiled rule operations
//	deploy     - Preview the plan; with -x, connect and apply it
//	monitor    - Poll tunnel packet counters
//	audit      - Query the deployment audit log
//	settings   - Manage persistent settings
//
// Examples:
//
//	newtrule -S specs validate
//	newtrule -S specs compile --json
//	newtrule -S specs deploy                      # preview
//	newtrule -S specs deploy -x --backend memory  # simulate
//	newtrule -S specs deploy -x --timeout 2s --parallel 4
//	newtrule -S specs monitor --interval 2s --listen :9100
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtrule/pkg/audit"
	"github.com/newtron-network/newtrule/pkg/cli"
	"github.com/newtron-network/newtrule/pkg/routespec"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/settings"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
	"github.com/newtron-network/newtrule/pkg/version"
)

var (
	// Input flags
	specDir      string
	topologyFile string
	routeFiles   []string
	pipelineFile string

	// Global option flags
	verbose    bool
	jsonOutput bool

	// Global state
	userSettings *settings.Settings
	auditLogger  audit.Logger
)

// errFailed is returned after a command has already reported its failures.
var errFailed = errors.New("one or more operations failed")

func main() {
	err := rootCmd.Execute()
	if auditLogger != nil {
		auditLogger.Close()
	}
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, cli.Red("Error:"), err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtrule",
	Short:             "Multi-technology forwarding rule deployment tool",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Newtrule compiles a declarative route spec (direct, tunnel, encapsulation,
overlay, source-routing and ARP entries) against a device topology and
deploys the resulting table operations to every device.

Deploy previews the plan by default. Use -x to execute.

  newtrule -S <specdir> <command> [-x]`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}
		if specDir == "" {
			specDir = userSettings.GetSpecDir()
		}

		// Quiet by default, verbose on -v
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}

		if isMetaCommand(cmd) {
			return nil
		}
		auditLogger, err = openAuditLog(userSettings)
		if err != nil {
			util.Warnf("Could not initialize audit logging: %v", err)
			return nil
		}
		audit.SetDefaultLogger(auditLogger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&specDir, "specs", "S", "", "Directory holding topology and route files")
	rootCmd.PersistentFlags().StringVarP(&topologyFile, "topology", "t", "", "Topology file (default <specdir>/topology.yaml)")
	rootCmd.PersistentFlags().StringSliceVarP(&routeFiles, "routes", "r", nil, "Route spec files (default <specdir>/routes.yaml or <specdir>/scenarios/*.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipelineFile, "pipeline", "p", "", "Pipeline naming file (default <specdir>/pipeline.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "rules", Title: "Rule Operations:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)
	for _, cmd := range []*cobra.Command{validateCmd, compileCmd, deployCmd, monitorCmd} {
		cmd.GroupID = "rules"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{settingsCmd, auditCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("newtrule dev build (use 'make build' for version info)")
			return
		}
		fmt.Println(version.Info())
	},
}

// isMetaCommand reports whether cmd needs no audit log.
func isMetaCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "version", "help", "validate", "compile":
			return true
		}
	}
	return false
}

func openAuditLog(s *settings.Settings) (audit.Logger, error) {
	path := s.GetAuditLog()
	if s.GetAuditBackend() == settings.AuditBolt {
		return audit.NewBoltLogger(path)
	}
	return audit.NewFileLogger(path, audit.RotationConfig{
		MaxSize:    10 * 1024 * 1024, // 10MB
		MaxBackups: 10,
	})
}

// inputs are the loaded, not yet validated, spec files.
type inputs struct {
	topo     *topology.Topology
	spec     *routespec.RouteSpec
	pipeline *rule.Pipeline
	files    []string
}

// loadInputs reads the topology, route spec and pipeline named by the
// flags, falling back to the spec directory layout.
func loadInputs() (*inputs, error) {
	topoPath := topologyFile
	if topoPath == "" {
		topoPath = filepath.Join(specDir, "topology.yaml")
	}
	topo, err := topology.Load(topoPath)
	if err != nil {
		return nil, err
	}

	files, err := routePaths()
	if err != nil {
		return nil, err
	}
	spec, err := routespec.LoadFiles(files...)
	if err != nil {
		return nil, err
	}

	pipeline := rule.DefaultPipeline()
	pipePath := pipelineFile
	if pipePath == "" {
		if p := filepath.Join(specDir, "pipeline.yaml"); fileExists(p) {
			pipePath = p
		}
	}
	if pipePath != "" {
		if pipeline, err = rule.LoadPipeline(pipePath); err != nil {
			return nil, err
		}
	}

	util.Logger.Debugf("Loaded topology %s (%d devices), %d route files, pipeline %s",
		topo.Name(), len(topo.Names()), len(files), pipeline.Name)
	return &inputs{topo: topo, spec: spec, pipeline: pipeline, files: files}, nil
}

func routePaths() ([]string, error) {
	if len(routeFiles) > 0 {
		return routeFiles, nil
	}
	if p := filepath.Join(specDir, "routes.yaml"); fileExists(p) {
		return []string{p}, nil
	}
	files, err := filepath.Glob(filepath.Join(specDir, "scenarios", "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no routes.yaml or scenarios/*.yaml in %s", util.ErrInvalidConfig, specDir)
	}
	sort.Strings(files)
	return files, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
