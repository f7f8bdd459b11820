package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/api"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/bootstrap"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "backend.ai-agent - kernel container orchestration agent",
	Long:    `agent runs on a single compute node, creating, destroying and executing code inside per-session kernel containers over containerd.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	api.Version = Version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print agent version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent process",
	RunE:  runStart,
}

// fileConfig is the shape of --config's YAML overlay; any field left unset
// there leaves the flag default (or explicitly-passed flag value) in
// place, matched field by field against the flags below (spec §2.1:
// "merged under flags").
type fileConfig struct {
	Namespace             string   `yaml:"namespace"`
	AgentHost             string   `yaml:"agent_host"`
	KernelHost            string   `yaml:"kernel_host"`
	AgentPort             int      `yaml:"agent_port"`
	StatPort              int      `yaml:"stat_port"`
	PortRangeStart        int      `yaml:"port_range_start"`
	PortRangeEnd          int      `yaml:"port_range_end"`
	MetadataAddr          string   `yaml:"metadata_addr"`
	IdleTimeout           int      `yaml:"idle_timeout"`
	ScratchRoot           string   `yaml:"scratch_root"`
	CPUMask               string   `yaml:"cpu_mask"`
	GPUMask               string   `yaml:"gpu_mask"`
	SkipContainerDeletion bool     `yaml:"skip_container_deletion"`
	DockerRegistry        string   `yaml:"docker_registry"`
	CertDir               string   `yaml:"cert_dir"`
}

func init() {
	flags := startCmd.Flags()
	flags.String("namespace", runtime.DefaultNamespace, "containerd namespace kernel containers live under")
	flags.String("agent-host", "127.0.0.1", "address this agent publishes to the metadata service and to runners")
	flags.String("kernel-host", "127.0.0.1", "address kernel containers are reachable at (usually same as agent-host)")
	flags.Int("agent-port", 6001, "RPC listener port")
	flags.Int("stat-port", 6002, "stats fan-in listener port")
	flags.Int("port-range-start", 30000, "first host port available to kernel containers")
	flags.Int("port-range-end", 31000, "last host port available to kernel containers")
	flags.String("metadata-addr", "127.0.0.1:2379", "comma-separated metadata service (etcd) endpoints")
	flags.Duration("idle-timeout", 0, "override the metadata service's nodes/idle_timeout, 0 keeps its value")
	flags.String("scratch-root", "/var/cache/backend.ai/scratches", "root directory for per-kernel work/config directories")
	flags.String("cpu-mask", "", "comma-separated CPU indices this agent may allocate; empty uses every online CPU")
	flags.String("gpu-mask", "", "comma-separated accelerator device ids this agent may allocate")
	flags.Bool("skip-container-deletion", false, "leave dead kernel containers in place instead of deleting them on reconcile")
	flags.String("docker-registry", "", "override the metadata service's nodes/docker_registry")
	flags.String("cert-dir", "/etc/backend.ai/agent/certs", "directory for this agent's self-issued mTLS certificate authority")
	flags.String("config", "", "path to a YAML config file merged under the flags above")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	ctx := context.Background()

	logger := log.New("agent")
	logger.Info().Str("instance_id", cfg.InstanceID).Str("agent_host", cfg.AgentHost).Msg("starting agent")

	agent, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap agent: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var sig os.Signal
	select {
	case sig = <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-agent.Errs():
		logger.Error().Err(err).Msg("background listener failed")
		sig = syscall.SIGTERM
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	agent.Shutdown(shutdownCtx, sig == syscall.SIGTERM)

	return nil
}

// resolveConfig builds bootstrap.Config from start's flags, overlaying any
// --config YAML file for flags the caller didn't explicitly set (spec
// §2.1).
func resolveConfig(cmd *cobra.Command) (bootstrap.Config, error) {
	flags := cmd.Flags()

	var fc fileConfig
	configPath, _ := flags.GetString("config")
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return bootstrap.Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return bootstrap.Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	str := func(name, fileVal string) string {
		if !flags.Changed(name) && fileVal != "" {
			return fileVal
		}
		v, _ := flags.GetString(name)
		return v
	}
	intVal := func(name string, fileVal int) int {
		if !flags.Changed(name) && fileVal != 0 {
			return fileVal
		}
		v, _ := flags.GetInt(name)
		return v
	}
	boolVal := func(name string, fileVal bool) bool {
		if !flags.Changed(name) && fileVal {
			return true
		}
		v, _ := flags.GetBool(name)
		return v
	}

	idleTimeout, _ := flags.GetDuration("idle-timeout")
	if !flags.Changed("idle-timeout") && fc.IdleTimeout != 0 {
		idleTimeout = time.Duration(fc.IdleTimeout) * time.Second
	}

	agentHost := str("agent-host", fc.AgentHost)

	instanceID, err := instanceIdentity(agentHost)
	if err != nil {
		return bootstrap.Config{}, err
	}

	return bootstrap.Config{
		InstanceID:            instanceID,
		Namespace:             str("namespace", fc.Namespace),
		AgentHost:             agentHost,
		KernelHost:            str("kernel-host", fc.KernelHost),
		AgentPort:             intVal("agent-port", fc.AgentPort),
		StatPort:              intVal("stat-port", fc.StatPort),
		PortRangeStart:        intVal("port-range-start", fc.PortRangeStart),
		PortRangeEnd:          intVal("port-range-end", fc.PortRangeEnd),
		MetadataEndpoints:     splitCSV(str("metadata-addr", fc.MetadataAddr)),
		WaitForManager:        true,
		IdleTimeout:           idleTimeout,
		ScratchRoot:           str("scratch-root", fc.ScratchRoot),
		CPUMask:               parseIntCSV(str("cpu-mask", fc.CPUMask)),
		GPUMask:               splitCSV(str("gpu-mask", fc.GPUMask)),
		SkipContainerDeletion: boolVal("skip-container-deletion", fc.SkipContainerDeletion),
		DockerRegistry:        str("docker-registry", fc.DockerRegistry),
		CertDir:               str("cert-dir", fc.CertDir),
	}, nil
}

func instanceIdentity(agentHost string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, agentHost), nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntCSV(s string) []int {
	fields := splitCSV(s)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
