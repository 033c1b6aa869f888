// Command finddfutarg lists the addresses of nearby devices waiting in DFU
// mode, one per line. Scan notices go to stderr so the output can be piped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/espruino/dfuflash/cli"
	"github.com/espruino/dfuflash/config"
	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/discovery"
)

func main() {
	flag.Set("logtostderr", "true")
	scan := flag.Duration("scan", discovery.DefaultScanWindow, "how long to scan")
	name := flag.String("name", discovery.DefaultTargetName, "advertised name to look for")
	flag.Parse()
	if *scan <= 0 {
		glog.Exitf("-scan must be positive")
	}

	cfg := config.Default(false)
	adapter := cli.NewAdapter(&cfg)
	if err := adapter.Enable(); err != nil {
		glog.Exitf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notices := dfu.SinkFunc(func(_ string, ev dfu.Event) {
		switch ev := ev.(type) {
		case dfu.ScanStarted:
			fmt.Fprintf(os.Stderr, "Starting scan (%s)...\n", ev.Window.Round(time.Millisecond))
		case dfu.ScanStopped:
			fmt.Fprintln(os.Stderr, "Scanning stopped.")
		}
	})
	coord := discovery.New(adapter, adapter, nil, discovery.Config{}, notices)
	devices, err := coord.Scan(ctx, *scan, discovery.ByName(*name))
	if err != nil {
		glog.Exitf("%v", err)
	}
	for _, dev := range devices {
		fmt.Println(dev.Address)
	}
}
