package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"branchnet/internal/branch"
	"branchnet/internal/config"
	"branchnet/internal/daemon"
	"branchnet/internal/debuglog"
	"branchnet/internal/ioctx"
	"branchnet/internal/metrics"
	"branchnet/internal/pprofutil"
	"branchnet/internal/result"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}
	return 0
}

// branchFlags are shared by every command that starts a branch.
type branchFlags struct {
	config   string
	props    string
	name     string
	path     string
	network  string
	logLevel string
	debug    bool
}

func (f *branchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.config, "config", "", "branch properties file (.toml or .json)")
	cmd.Flags().StringVar(&f.props, "props", "", "inline JSON properties applied on top of --config")
	cmd.Flags().StringVar(&f.name, "name", "", "branch name")
	cmd.Flags().StringVar(&f.path, "path", "", "branch path")
	cmd.Flags().StringVar(&f.network, "network", "", "network name")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")
}

func (f *branchFlags) properties() (config.Properties, error) {
	var p config.Properties
	if f.config != "" {
		fp, err := config.LoadFile(f.config)
		if err != nil {
			return config.Properties{}, err
		}
		p = fp
	}
	if f.props != "" {
		ip, err := config.ParseJSON([]byte(f.props))
		if err != nil {
			return config.Properties{}, err
		}
		p = p.Merge(ip)
	}
	p = p.Merge(config.Properties{Name: f.name, Path: f.path, NetworkName: f.network})
	return config.ApplyEnv(p), nil
}

func (f *branchFlags) logger(w io.Writer) (*zap.Logger, error) {
	if f.debug {
		_ = os.Setenv("BRANCHNET_DEBUG", "1")
	}
	log, err := debuglog.New(w, debuglog.Options{Level: f.logLevel, Console: true})
	if err != nil {
		return nil, result.Wrap(result.ParsingCmdlineFailed, err, "flag", "log-level")
	}
	if err := pprofutil.StartFromEnv(log); err != nil {
		log.Warn("pprof disabled", result.Field(err))
	}
	return log, nil
}

const stopSignals = ioctx.SigInt | ioctx.SigTerm

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "branchnet",
		Short:         "Join, observe and message a branch network",
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.AddCommand(
		newRunCmd(stdout, stderr),
		newObserveCmd(stdout, stderr),
		newSendCmd(stdout, stderr),
		newConstantsCmd(stdout),
	)
	return cmd
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags branchFlags
	var metricsAddr, snapPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the network, report events and print received broadcasts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			props, err := flags.properties()
			if err != nil {
				return err
			}
			log, err := flags.logger(stderr)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			runner, err := daemon.NewRunner(props, daemon.Options{
				Logger:      log,
				Metrics:     metrics.New(),
				Out:         stdout,
				Receive:     true,
				SnapPath:    snapPath,
				MetricsAddr: metricsAddr,
				StopSignals: stopSignals,
			})
			if err != nil {
				return err
			}
			defer ioctx.ForwardOSSignals()()
			ready := make(chan string, 1)
			errCh := make(chan error, 1)
			go func() { errCh <- runner.RunWithContext(context.Background(), ready) }()
			select {
			case addr := <-ready:
				fmt.Fprintf(stdout, "READY addr=%s uuid=%s\n", addr, runner.Branch.UUID())
			case err := <-errCh:
				return err
			}
			return <-errCh
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().StringVar(&snapPath, "snapshot", "", "write a JSON metrics snapshot to this file every second")
	return cmd
}

func newObserveCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags branchFlags
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Watch the network in ghost mode and print discovered branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			props, err := flags.properties()
			if err != nil {
				return err
			}
			props.GhostMode = true
			log, err := flags.logger(stderr)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			runner, err := daemon.NewRunner(props, daemon.Options{
				Logger:      log,
				Out:         stdout,
				Events:      branch.EventBranchDiscovered | branch.EventBranchQueried,
				StopSignals: stopSignals,
			})
			if err != nil {
				return err
			}
			defer ioctx.ForwardOSSignals()()
			ctx, cancel := context.WithTimeout(context.Background(), duration)
			defer cancel()
			return runner.RunWithContext(ctx, nil)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to observe")
	return cmd
}

func newSendCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags branchFlags
	var peers int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Join the network, broadcast a message once connected and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if peers < 1 {
				return result.New(result.InvalidParam, "--peers must be at least 1")
			}
			props, err := flags.properties()
			if err != nil {
				return err
			}
			log, err := flags.logger(stderr)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			runner, err := daemon.NewRunner(props, daemon.Options{
				Logger:      log,
				Out:         stdout,
				Events:      branch.EventConnectFinished,
				StopSignals: stopSignals,
			})
			if err != nil {
				return err
			}
			defer ioctx.ForwardOSSignals()()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- runner.RunWithContext(ctx, nil) }()

			wctx, wcancel := context.WithTimeout(ctx, timeout)
			defer wcancel()
			sendErr := runner.WaitConnected(wctx, peers)
			if sendErr == nil {
				sendErr = runner.Broadcast(wctx, []byte(args[0]), true)
			}
			if sendErr == nil {
				fmt.Fprintf(stdout, "sent %d bytes to %d branches\n", len(args[0]), len(runner.Branch.ConnectedBranches()))
			}
			cancel()
			return errors.Join(sendErr, <-errCh)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&peers, "peers", 1, "number of connected branches to wait for")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for connections")
	return cmd
}

func newConstantsCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "constants",
		Short: "Print the library constants as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := config.DefaultConstants()
			out := struct {
				Version string `json:"version"`
				config.Constants
			}{Version: c.Version(), Constants: c}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
