/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dnsauth/zonecore/zonecore"
	flag "github.com/spf13/pflag"
)

// main wires up a zoned daemon, matching tdnsd/main.go's sequencing:
// parse config, build the engines, start the listener, then block in a
// signal-driven mainloop handling SIGHUP (reload) and SIGINT/SIGTERM
// (graceful shutdown). Flag parsing uses spf13/pflag rather than the
// standard flag package, matching tdns/main_initfuncs.go's own CLI setup.
func main() {
	cfgPath := flag.String("config", "/etc/zoned/zoned.yaml", "path to configuration file")
	verbose := flag.BoolP("verbose", "v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	logger := zonecore.SetupCliLogging()

	ns := zonecore.NewNameserver(logger)
	if _, err := ns.LoadConfigAndReload(*cfgPath); err != nil {
		logger.Fatalf("initial config load failed: %v", err)
	}

	cfg, err := zonecore.LoadConfig(*cfgPath)
	if err != nil {
		logger.Fatalf("re-reading config for listener address failed: %v", err)
	}

	addr := "127.0.0.1:5353"
	if len(cfg.DnsEngine.Addresses) > 0 {
		addr = cfg.DnsEngine.Addresses[0]
	}

	go func() {
		if err := ns.ListenAndServe(addr); err != nil {
			logger.Fatalf("dns listener on %s failed: %v", addr, err)
		}
	}()

	go startAdminAPI(ns, cfg, *cfgPath, logger)

	if err := ns.StartFileWatch(); err != nil {
		logger.Printf("zone file watcher did not start: %v", err)
	}

	mainloop(ns, *cfgPath, logger)
}

// mainloop blocks handling OS signals, the generalisation of
// tdnsd/main.go's mainloop(conf): SIGHUP re-parses the config file and
// triggers Reload, SIGINT/SIGTERM drain the nameserver and exit.
func mainloop(ns *zonecore.Nameserver, cfgPath string, logger *log.Logger) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Printf("SIGHUP received, reloading configuration from %s", cfgPath)
			if _, err := ns.LoadConfigAndReload(cfgPath); err != nil {
				logger.Printf("reload failed: %v", err)
				continue
			}
			if ns.Watcher != nil {
				ns.Watcher.Close()
			}
			if err := ns.StartFileWatch(); err != nil {
				logger.Printf("zone file watcher restart failed: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Printf("shutting down")
			ns.Shutdown()
			return
		}
	}
}
