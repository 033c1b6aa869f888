// Command autoflash keeps scanning for devices waiting in DFU mode and
// updates every one it finds with the same firmware package, until it is
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/espruino/dfuflash/cli"
	"github.com/espruino/dfuflash/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] [FILENAME]\n\nFILENAME may be omitted when the configuration file names a source.\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Set("logtostderr", "true")
	flags := cli.RegisterFlags(flag.CommandLine)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := flags.Config(true, func(cfg *config.Config) {
		if flag.NArg() == 1 {
			cfg.Source = flag.Arg(0)
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

	fmt.Println("Scanning for DFU devices... (Ctrl-C to stop)")
	code := cli.Run(ctx, &cfg, pkg, sink)
	glog.Flush()
	os.Exit(code)
}
