// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/config"
	"git.stratofs.org/stratofs.git/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	os.Exit(runBalancer("balancer", os.Args[1:], os.Stdout, os.Stderr))
}

// runOptions are the flag results that aren't Parameters.
type runOptions struct {
	configPath  string
	showVersion bool
	showHelp    bool
}

func runBalancer(prog string, args []string, stdout, stderr io.Writer) int {
	params, opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v.  Exiting ...\n", err)
		usage(stderr)
		return int(ExitBadArgs)
	}
	if opts.showHelp {
		usage(stdout)
		return 0
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", prog, version)
		return 0
	}

	cfg := DefaultConfig()
	if opts.configPath != "" {
		if err := config.LoadFile(&cfg, opts.configPath); err != nil {
			fmt.Fprintf(stderr, "%v.  Exiting ...\n", err)
			return int(ExitBadArgs)
		}
	}
	if len(cfg.NameServices) == 0 {
		fmt.Fprintf(stderr, "no name services configured.  Exiting ...\n")
		usage(stderr)
		return int(ExitBadArgs)
	}

	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger.Printf("%s %s started", prog, version)
	logger.Printf("name services = %v", cfg.NameServices)
	logger.Printf("parameters = [%s, threshold=%v, excluded=%d, included=%d]",
		params.Policy.Name(), params.Threshold, len(params.Excluded), len(params.Included))
	logger.Printf("transfer peers throttle balancing traffic to %s/s",
		humanize.IBytes(uint64(cfg.BandwidthPerSec)))

	startTime := time.Now()
	code := func() int {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigC)
		go func() {
			if sig, ok := <-sigC; ok {
				logger.Warnf("caught signal %v, shutting down", sig)
				cancel()
			}
		}()

		reg := prometheus.NewRegistry()
		m := newMetrics(reg)
		runner := &Runner{
			Logger:  logger,
			Stdout:  stdout,
			Config:  cfg,
			Params:  params,
			Metrics: m,
		}
		if cfg.ManagementAddr != "" {
			ln, err := startManagementServer(cfg.ManagementAddr, logger, reg, runner.Status)
			if err != nil {
				fmt.Fprintf(stderr, "%v.  Exiting ...\n", err)
				return int(ExitIOError)
			}
			defer ln.Close()
		}

		for _, baseURL := range cfg.NameServices {
			nsc, err := DialNameService(ctx, baseURL, cfg.AuthToken, logger)
			if errors.Is(err, ErrAlreadyRunning) {
				fmt.Fprintln(stdout, "Another balancer is running. Exiting...")
				return int(ExitAlreadyRunning)
			} else if err != nil {
				fmt.Fprintf(stderr, "%v.  Exiting ...\n", err)
				return int(ExitIOError)
			}
			defer nsc.Close()
			runner.NameServices = append(runner.NameServices, nsc)
		}

		return int(runner.Run(ctx))
	}()
	fmt.Fprintf(stdout, "%-24s Balancing took %s\n",
		time.Now().Format(timeFormat), formatDuration(time.Since(startTime)))
	return code
}

// parseArgs parses the balancer's command line the way operators
// write it: -exclude and -include each take either "-f <file>" or an
// inline comma-separated host list.
func parseArgs(args []string) (Parameters, runOptions, error) {
	params := Parameters{
		Threshold: 10.0,
		Excluded:  hostSet{},
		Included:  hostSet{},
	}
	params.Policy, _ = ParsePolicy("node")
	var opts runOptions

	next := func(i *int, what string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s is missing: args = %v", what, args)
		}
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "-threshold":
			var val string
			if val, err = next(&i, "threshold value"); err != nil {
				return params, opts, err
			}
			params.Threshold, err = strconv.ParseFloat(val, 64)
			if err != nil || params.Threshold < 1 || params.Threshold > 100 {
				return params, opts, fmt.Errorf("expecting a number in the range of [1.0, 100.0]: %s", val)
			}
		case "-policy":
			var val string
			if val, err = next(&i, "policy value"); err != nil {
				return params, opts, err
			}
			if params.Policy, err = ParsePolicy(val); err != nil {
				return params, opts, err
			}
		case "-exclude":
			if params.Excluded, err = parseHostArg(args, &i, "nodes to exclude"); err != nil {
				return params, opts, err
			}
		case "-include":
			if params.Included, err = parseHostArg(args, &i, "nodes to include"); err != nil {
				return params, opts, err
			}
		case "-config":
			if opts.configPath, err = next(&i, "config path"); err != nil {
				return params, opts, err
			}
		case "-version", "--version":
			opts.showVersion = true
		case "-help", "--help", "-h":
			opts.showHelp = true
		default:
			return params, opts, fmt.Errorf("unrecognized argument %q", args[i])
		}
	}
	if len(params.Excluded) > 0 && len(params.Included) > 0 {
		return params, opts, fmt.Errorf("-exclude and -include options cannot be specified together")
	}
	return params, opts, nil
}

func parseHostArg(args []string, i *int, what string) (hostSet, error) {
	*i++
	if *i >= len(args) {
		return nil, fmt.Errorf("list of %s | -f <filename> is missing: args = %v", what, args)
	}
	if args[*i] == "-f" {
		*i++
		if *i >= len(args) {
			return nil, fmt.Errorf("file containing %s is not specified: args = %v", what, args)
		}
		return readHostFile(args[*i])
	}
	return parseHostList(args[*i]), nil
}
