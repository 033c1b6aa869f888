// Command dfusingle updates a single device waiting in DFU mode, optionally
// chosen by address, and exits with 0 on success or 1 on failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/espruino/dfuflash/cli"
	"github.com/espruino/dfuflash/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] FILENAME [aa:bb:cc:dd:ee:ff [delay_ms]]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Set("logtostderr", "true")
	flags := cli.RegisterFlags(flag.CommandLine)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 3 {
		usage()
		os.Exit(1)
	}

	var delay time.Duration
	if flag.NArg() == 3 {
		ms, err := strconv.Atoi(flag.Arg(2))
		if err != nil || ms < 0 {
			glog.Exitf("invalid delay %q: must be a number of milliseconds", flag.Arg(2))
		}
		delay = time.Duration(ms) * time.Millisecond
	}

	cfg, err := flags.Config(false, func(cfg *config.Config) {
		cfg.Source = flag.Arg(0)
		if flag.NArg() >= 2 {
			cfg.Address = flag.Arg(1)
		}
		if flag.NArg() == 3 {
			cfg.StartDelayMs = int(delay / time.Millisecond)
		}
	})
	if err != nil {
		glog.Exitf("Invalid configuration: %v", err)
	}
	sink, err := cli.Sink(flags.Progress, os.Stdout)
	if err != nil {
		glog.Exitf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Using %s\n", cfg.Source)
	pkg, err := cli.LoadPackage(ctx, cfg.Source)
	if err != nil {
		glog.Exitf("%v", err)
	}
	if cfg.Address != "" {
		glog.Infof("Only updating %s", cfg.Address)
	}
	if delay > 0 {
		glog.Infof("Waiting %s before updating", delay)
	}

	code := cli.Run(ctx, &cfg, pkg, sink)

	// Give the device and the console a moment before exiting.
	time.Sleep(cfg.DrainDelay())
	glog.Flush()
	os.Exit(code)
}
