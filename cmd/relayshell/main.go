package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/loykin/relayshell/internal/worker"
)

func main() {
	root := buildRoot(context.Background(), os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree. Client commands write to out.
func buildRoot(ctx context.Context, out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{ctx: ctx, out: out}

	root := &cobra.Command{
		Use:   "relayshell",
		Short: "Control shell for the file-transfer worker",
		Long: `Relayshell runs the file-transfer worker behind a local control API and
records what it sends and receives.

Examples:
  relayshell serve --config relayshell.toml   # Start the daemon
  relayshell send ./a.bin ./b.bin --ip 10.0.0.2 --wait
  relayshell receive --port 8080 --protocol udp
  relayshell watch --topics transfer-state,stats-update`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createProvisionCommand(c, globalFlags),
		createSendCommand(c),
		createSimpleCommand("cancel", "Cancel the running batch", c.Cancel),
		createSimpleCommand("reset", "Clear a finished batch", c.Reset),
		createReceiveCommand(c),
		createProxyCommand(c),
		createSimpleCommand("stop", "Stop the receiver or proxy worker", c.Stop),
		createSimpleCommand("status", "Show worker and transfer state", c.Status),
		createSimpleCommand("scan", "Discover peers on the local network", c.Scan),
		createSimpleCommand("interfaces", "List capture-capable network interfaces", c.Interfaces),
		createVerifyCommand(c),
		createHistoryCommand(c),
		createWatchCommand(c),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (default http://127.0.0.1:8090/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "API request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the relayshell daemon",
		Long: `Start the daemon: control API, event streams, received-file watcher and
worker supervision. Without a config file the defaults and RELAYSHELL_*
environment variables apply.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createProvisionCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Install or refresh the packaged worker runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Provision(globalFlags.ConfigPath)
		},
	}
}

// createSimpleCommand builds an argument-less client command.
func createSimpleCommand(use, short string, run func(APIFlags) error) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createSendCommand(c *command) *cobra.Command {
	f := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Send a batch of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Send(args, *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.IP, "ip", worker.DefaultHost, "receiver address")
	cmd.Flags().IntVar(&f.Port, "port", worker.DefaultServerPort, "receiver port")
	cmd.Flags().StringVar(&f.Protocol, "protocol", string(worker.TCP), "tcp or udp")
	cmd.Flags().BoolVar(&f.Sniff, "sniff", false, "capture packets while sending")
	cmd.Flags().StringVar(&f.Interface, "interface", "", "capture interface")
	cmd.Flags().Float64Var(&f.Delay, "delay", 0, "delay between chunks in seconds")
	cmd.Flags().IntVar(&f.ChunkSize, "chunk-size", 0, "chunk size in bytes")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "wait for the batch to finish")
	return cmd
}

func createReceiveCommand(c *command) *cobra.Command {
	f := &ReceiveFlags{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Start the worker as a receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Receive(*f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().IntVar(&f.Port, "port", worker.DefaultServerPort, "listen port")
	cmd.Flags().StringVar(&f.Protocol, "protocol", string(worker.TCP), "tcp or udp")
	cmd.Flags().StringVar(&f.SaveDir, "save-dir", "", "directory for received files (default: daemon's received_files)")
	cmd.Flags().BoolVar(&f.Sniff, "sniff", false, "capture packets while receiving")
	cmd.Flags().StringVar(&f.Interface, "interface", "", "capture interface")
	return cmd
}

func createProxyCommand(c *command) *cobra.Command {
	f := &ProxyFlags{}
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start the worker as an interception proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Proxy(*f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().IntVar(&f.ListenPort, "listen-port", worker.DefaultProxyPort, "proxy listen port")
	cmd.Flags().StringVar(&f.TargetIP, "target-ip", worker.DefaultHost, "forward address")
	cmd.Flags().IntVar(&f.TargetPort, "target-port", worker.DefaultServerPort, "forward port")
	cmd.Flags().Float64Var(&f.CorruptionRate, "corruption-rate", 0, "fraction of packets to corrupt (0..1)")
	cmd.Flags().StringVar(&f.Interface, "interface", "", "capture interface")
	cmd.Flags().StringVar(&f.Protocol, "protocol", "", "tcp or udp")
	return cmd
}

func createVerifyCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "verify FILE...",
		Short: "Check files against their .sha256 companions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Verify(args, *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	var stats, clear bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear {
				return c.ClearHistory(*f)
			}
			return c.History(*f, stats)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().BoolVar(&stats, "stats", false, "show per-file throughput records")
	cmd.Flags().BoolVar(&clear, "clear", false, "delete history and stats")
	return cmd
}

func createWatchCommand(c *command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print daemon events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.ctx, os.Interrupt)
			defer stop()
			wc := *c
			wc.ctx = ctx
			return wc.Watch(*f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringSliceVar(&f.Topics, "topics", nil, "topics to follow (default all)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "stop after this many events")
	return cmd
}
