package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"netpolicy/pkg/events"
	"netpolicy/pkg/hsa/reach"
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/pipeline"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/store/etcd"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	etcdEndpoints []string
	etcdPrefix    string
	timeout       time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netpolicy-ctl",
		Short: "netpolicy command-line interface",
		Long: `netpolicy-ctl talks to a running netpolicy runtime: it sends events,
shows the published classifier and topology, and answers reachability
queries on exported models.`,
		SilenceUsage: true,
	}

	def := etcd.DefaultConfig()
	rootCmd.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", def.Endpoints, "etcd endpoints")
	rootCmd.PersistentFlags().StringVar(&etcdPrefix, "prefix", def.Prefix, "etcd key prefix")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(reachCmd())
	rootCmd.AddCommand(classifierCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(runtimeCmd())
	rootCmd.AddCommand(pipelineCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netpolicy-ctl %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	}
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send events to a runtime",
	}

	var (
		addr string
		flow map[string]string
	)
	send := &cobra.Command{
		Use:   "send <name> <value>",
		Short: "Send an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			e := events.Event{Name: args[0], Value: args[1], Flow: flow}
			reply, err := events.Send(ctx, addr, e)
			if err != nil {
				return err
			}
			if reply.Error != "" {
				color.New(color.FgRed).Fprintf(cmd.OutOrStdout(), "rejected: %s\n", reply.Error)
				return fmt.Errorf("event %s rejected", e.Name)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "accepted: %v\n", reply.Value)
			return nil
		},
	}
	send.Flags().StringVar(&addr, "addr", "localhost:50001", "event listener address")
	send.Flags().StringToStringVar(&flow, "flow", nil, "flow fields the event applies to (field=value,...)")
	cmd.AddCommand(send)
	return cmd
}

func reachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reach",
		Short: "Query exported reachability models",
	}

	var (
		dir     string
		in      string
		out     map[string]string
		maxHops int
	)
	query := &cobra.Command{
		Use:   "query",
		Short: "Find the headers reaching the given output",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocation(in)
			if err != nil {
				return err
			}
			pats, err := parsePatterns(out)
			if err != nil {
				return err
			}

			an, err := reach.New(reach.Config{Solver: reach.SolverLocal, MaxHops: maxHops}, nil)
			if err != nil {
				return err
			}
			m, err := reach.Load(dir, an.Layout())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			results, err := an.Reachable(ctx, m, loc, pats)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "unreachable")
				return nil
			}
			return renderResults(cmd, an.Layout(), results)
		},
	}
	query.Flags().StringVar(&dir, "dir", ".", "directory holding the exported model")
	query.Flags().StringVar(&in, "in", "", "ingress location <switch>:<port>")
	query.Flags().StringToStringVar(&out, "out", nil, "output headers (field=pattern,...)")
	query.Flags().IntVar(&maxHops, "max-hops", reach.DefaultConfig().MaxHops, "hop limit")
	_ = query.MarkFlagRequired("in")
	cmd.AddCommand(query)
	return cmd
}

func renderResults(cmd *cobra.Command, layout *reach.Layout, results []reach.Result) error {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Headers", "Excluded"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, r := range results {
		pats, _, err := layout.Decode(r.Elem)
		if err != nil {
			return err
		}
		table.Append([]string{formatPatterns(pats), strconv.Itoa(len(r.Diff))})
	}
	table.Render()

	pred, err := layout.Filter(results)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", color.CyanString("filter:"), pred)
	return nil
}

func formatPatterns(pats map[string]field.Pattern) string {
	if len(pats) == 0 {
		return "*"
	}
	names := make([]string, 0, len(pats))
	for name := range pats {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+pats[name].String())
	}
	return strings.Join(parts, " ")
}

func parseLocation(s string) (topology.Location, error) {
	sw, port, ok := strings.Cut(s, ":")
	if !ok {
		return topology.Location{}, fmt.Errorf("location %q is not <switch>:<port>", s)
	}
	dpid, err := strconv.ParseUint(sw, 0, 64)
	if err != nil {
		return topology.Location{}, fmt.Errorf("invalid switch in %q: %w", s, err)
	}
	no, err := strconv.ParseUint(port, 0, 16)
	if err != nil {
		return topology.Location{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return topology.Location{Switch: dpid, Port: uint16(no)}, nil
}

func parsePatterns(in map[string]string) (map[string]field.Pattern, error) {
	reg := field.NewRegistry()
	out := make(map[string]field.Pattern, len(in))
	for name, s := range in {
		p, err := reg.ParsePattern(name, s)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

func connect() (*etcd.Client, error) {
	cfg := etcd.DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoints = etcdEndpoints
	cfg.DialTimeout = timeout
	cfg.Prefix = etcdPrefix
	return etcd.New(cfg, nil)
}

func classifierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classifier",
		Short: "Inspect the installed classifier",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the classifier published by the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snap, err := etcd.LoadClassifier(ctx, client, etcdPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n\n", color.CyanString("version:"), snap.Version)
			snap.Render(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}

func topologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect the network topology",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the topology published by the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snap, err := etcd.LoadTopology(ctx, client, etcdPrefix)
			if err != nil {
				return err
			}
			snap.Render(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}

func runtimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Inspect running controllers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the controllers announced in etcd",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			live, err := client.GetWithPrefix(ctx, client.Key(etcd.RuntimeKey+"/"))
			if err != nil {
				return err
			}

			var last etcd.RuntimeSnapshot
			if raw, err := client.Get(ctx, client.Key(etcd.RuntimeKey)); err == nil {
				_ = etcd.Decode(raw, &last)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Module", "Mode", "Pipeline", "Started"})
			table.SetBorder(false)
			keys := make([]string, 0, len(live))
			for k := range live {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				id := k[strings.LastIndex(k, "/")+1:]
				row := []string{id, live[k], "", "", ""}
				if id == last.ID {
					row[2], row[3] = last.Mode, last.Pipeline
					row[4] = last.Started.Format(time.RFC3339)
				}
				table.Append(row)
			}
			table.Render()
			return nil
		},
	})
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect switch pipelines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in pipelines",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range pipeline.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <name|file.yaml>",
		Short: "Show the tables of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.Lookup(args[0])
			if err != nil {
				return err
			}
			p.Render(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}
