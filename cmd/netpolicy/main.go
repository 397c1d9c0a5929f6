package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"netpolicy/internal/apps"
	"netpolicy/internal/runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var cfgFile string

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"mode":              "mode",
	"verbosity":         "verbosity",
	"pipeline":          "pipeline",
	"nx":                "nx",
	"enable_disjoint":   "enable_disjoint",
	"enable_multitable": "enable_multitable",
	"enable_ragel":      "enable_ragel",
	"enable_cache":      "enable_cache",
	"enable_partition":  "enable_partition",
	"use_pyretic":       "use_pyretic",
	"write_log":         "write_log",
	"frontend-only":     "frontend_only",
	"enable_profile":    "enable_profile",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netpolicy <module> [key=value ...]",
		Short: "SDN policy runtime",
		Long: `netpolicy runs a policy module against the switches of an OpenFlow
client. The module's policy is compiled into flow tables, or evaluated
packet by packet, depending on the mode.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE:         runRuntime,
	}

	def := runtime.DefaultConfig()
	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/netpolicy/netpolicy.yaml)")
	flags.String("mode", def.Mode, "interpreted, reactive0, proactive0 or proactive1")
	flags.String("verbosity", def.Verbosity, "low, normal, high or please-make-it-stop")
	flags.String("pipeline", def.Pipeline, "switch pipeline: a built-in name or a YAML file")
	flags.Bool("nx", def.NX, "use Nicira extensions (implies --enable_multitable)")
	flags.Bool("enable_disjoint", def.Disjoint, "concatenate disjoint parallel classifiers")
	flags.Bool("enable_multitable", def.Multitable, "install into the pipeline's forwarding table")
	flags.Bool("enable_ragel", def.Ragel, "accepted for compatibility, path queries are not compiled")
	flags.Bool("enable_cache", def.EnableCache, "cache compiled sub-policies")
	flags.Bool("enable_partition", def.Partition, "compile every switch in parallel")
	flags.Bool("use_pyretic", def.UsePyretic, "use the built-in classifier compiler")
	flags.String("write_log", def.WriteLog, "also write the log to this file")
	flags.Bool("frontend-only", def.FrontendOnly, "do not launch the OpenFlow client")
	flags.Bool("enable_profile", def.Profile, "write a CPU profile next to the log")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netpolicy %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "modules",
		Short: "List the modules that can be loaded",
		Run: func(cmd *cobra.Command, args []string) {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Module", "Description"})
			table.SetBorder(false)
			for _, name := range apps.Names() {
				m, _ := apps.Lookup(name)
				table.Append([]string{m.Name, m.Description})
			}
			table.Render()
		},
	})
	return rootCmd
}

func runRuntime(cmd *cobra.Command, args []string) error {
	module := args[0]
	moduleArgs, err := parseModuleArgs(args[1:])
	if err != nil {
		return err
	}

	config, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	verbosity, _ := runtime.ParseVerbosity(config.Verbosity)
	logger, err := runtime.NewLogger(verbosity, config.WriteLog)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting netpolicy",
		zap.String("version", Version),
		zap.String("module", module),
		zap.String("mode", config.Mode),
		zap.String("pipeline", config.Pipeline),
	)

	rt, err := runtime.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	if err := rt.LoadModule(module, moduleArgs); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("received shutdown signal")

	if err := rt.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	return nil
}

// parseModuleArgs turns key=value arguments into a map.
func parseModuleArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q is not key=value", apps.ErrBadArgument, a)
		}
		out[k] = v
	}
	return out, nil
}

func loadConfig(cmd *cobra.Command, cfgFile string) (runtime.Config, error) {
	config := runtime.DefaultConfig()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("netpolicy")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/netpolicy")
		v.AddConfigPath("$HOME/.netpolicy")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NETPOLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, err
		}
		// Config file not found; use defaults
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, err
	}
	return config, nil
}
