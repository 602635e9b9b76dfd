// corenode runs the CORE chain-sync subsystem as a standalone daemon:
// storage, branch graph, scheduler and metrics. The network transport and
// the state-transition interpreter are injected by deployments embedding
// pkg/node; run standalone, the daemon serves inspection and metrics over
// an already-seeded IndexDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/node"
)

var log = logging.Logger("main")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "corenode: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.toml", "path to the node configuration file")
	writeDefault := flag.Bool("init", false, "write a default configuration file and exit")
	logLevel := flag.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	flag.Parse()

	lvl, err := logging.LevelFromString(*logLevel)
	if err != nil {
		return xerrors.Errorf("parsing log level %q: %w", *logLevel, err)
	}
	logging.SetAllLoggers(lvl)

	if *writeDefault {
		if err := config.NewDefaultConfig().WriteFile(*cfgPath); err != nil {
			return xerrors.Errorf("writing default config: %w", err)
		}
		log.Infof("wrote default config to %s", *cfgPath)
		return nil
	}

	cfg, err := config.ReadFile(*cfgPath)
	if err != nil {
		return xerrors.Errorf("reading config %s: %w", *cfgPath, err)
	}

	ctx := context.Background()
	n, err := node.New(ctx, cfg, nil, nil, nil)
	if err != nil {
		if xerrors.Is(err, syncerr.ErrNoGenesisBlock) {
			return xerrors.Errorf("indexdb is empty and no genesis was provided; seed the chain first: %w", err)
		}
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.Stop(shutdownCtx)
	return nil
}
