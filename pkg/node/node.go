// Package node assembles the CORE chain-sync subsystem from its
// collaborators: it opens the stores, rebuilds the branch graph, and wires
// the Scheduler, Syncer and InterpreterJob together, the way the teacher's
// app/node builder composes submodules from a Config. The network-facing
// collaborators (TipsetLoader, Interpreter) are injected, never
// constructed here — their implementations live outside the CORE.
package node

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-state-types/big"
	badger2 "github.com/ipfs/go-ds-badger2"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/chaindb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/indexdb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/interpreter"
	"github.com/filecoin-project/venus-core/pkg/chainsync/interpreterjob"
	"github.com/filecoin-project/venus-core/pkg/chainsync/kvstore"
	"github.com/filecoin-project/venus-core/pkg/chainsync/scheduler"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncer"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/metrics"
)

var log = logging.Logger("node")

// Node owns every long-lived component of a running CORE instance.
type Node struct {
	cfg *config.Config

	sched     *scheduler.Scheduler
	idx       *indexdb.DB
	chainDB   *chaindb.ChainDB
	kv        kvstore.Store
	contentDS *badger2.Datastore

	syncer    *syncer.Syncer
	interpJob *interpreterjob.InterpreterJob

	metricsSrv *http.Server
	unsubHead  func()
}

// New opens storage, rebuilds the graph and wires the sync pipeline.
// loader and interp may be nil, in which case the node runs without a sync
// pipeline (storage, graph and metrics only) — useful for inspection and
// for deployments whose transport layer is assembled elsewhere. genesis
// may be nil when the IndexDB has already been seeded.
func New(ctx context.Context, cfg *config.Config, loader exchange.TipsetLoader, interp interpreter.Interpreter, genesis *types.Tipset) (*Node, error) {
	idx, err := indexdb.Open(cfg.IndexDB.DSN)
	if err != nil {
		return nil, xerrors.Errorf("opening indexdb: %w", err)
	}

	contentDS, err := badger2.NewDatastore(cfg.Blockstore.Path, &badger2.DefaultOptions)
	if err != nil {
		return nil, xerrors.Errorf("opening content store at %s: %w", cfg.Blockstore.Path, err)
	}
	content := chaindb.NewBlockstoreContent(blockstore.NewBlockstore(contentDS))

	cdb, err := chaindb.Open(ctx, idx, content, genesis)
	if err != nil {
		return nil, xerrors.Errorf("opening chaindb: %w", err)
	}

	kv, err := kvstore.Open(cfg.KVStore.Path)
	if err != nil {
		return nil, xerrors.Errorf("opening interpreter store: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		sched:     scheduler.New(cfg.Scheduler.QueueSize),
		idx:       idx,
		chainDB:   cdb,
		kv:        kv,
		contentDS: contentDS,
	}

	if loader != nil && interp != nil {
		cached := interpreter.NewCachedInterpreter(interp, kv)
		n.interpJob = interpreterjob.New(n.sched, cdb, cached, kv)
		n.syncer = syncer.New(n.sched, loader, cdb, n.onSynced)
	} else {
		log.Warnf("no tipset loader/interpreter wired, sync pipeline disabled")
	}

	return n, nil
}

func (n *Node) onSynced(ctx context.Context, head types.TipsetKey) {
	if err := n.interpJob.Start(ctx, head, func(res interpreterjob.Result) {
		if res.Err != nil {
			log.Errorf("interpretation toward %s stopped: %s", head, res.Err)
			return
		}
		log.Infof("interpreted up to height %d", res.LastInterpreted.Height)
	}); err != nil {
		log.Errorf("starting interpreter job for %s: %s", head, err)
	}
}

// Start brings up the metrics endpoint and head-change logging. It returns
// once the node is serving; the caller owns waiting for shutdown signals.
func (n *Node) Start(ctx context.Context) error {
	handler, err := metrics.RegisterPrometheusExporter(n.cfg.Metrics.Namespace)
	if err != nil {
		return xerrors.Errorf("registering metrics exporter: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	n.metricsSrv = &http.Server{Addr: n.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint: %s", err)
		}
	}()

	n.unsubHead = n.chainDB.SubscribeHeadChanges(func(hc chaindb.HeadChange) {
		log.Infof("head %s: %s at height %d", hc.Type, hc.Head.Key, hc.Head.Height)
	})

	log.Infof("node started, metrics on %s", n.cfg.Metrics.Address)
	return nil
}

// NewTarget feeds a peer-advertised head into the Syncer, the entry point
// an external peer-exchange layer calls on every head advertisement.
func (n *Node) NewTarget(ctx context.Context, peer exchange.PeerID, head types.TipsetKey, weight big.Int, height uint64) {
	if n.syncer == nil {
		log.Warnf("dropping target %s: sync pipeline disabled", head)
		return
	}
	n.syncer.NewTarget(ctx, peer, head, weight, height)
}

// ChainDB exposes the chain facade for read access (CLI inspection, RPC).
func (n *Node) ChainDB() *chaindb.ChainDB { return n.chainDB }

// Stop tears the node down in reverse dependency order.
func (n *Node) Stop(ctx context.Context) {
	if n.unsubHead != nil {
		n.unsubHead()
	}
	if n.metricsSrv != nil {
		_ = n.metricsSrv.Shutdown(ctx)
	}
	if n.syncer != nil {
		n.syncer.Stop()
	}
	if n.interpJob != nil {
		n.interpJob.Cancel()
	}
	n.sched.Stop()
	if err := n.kv.Close(); err != nil {
		log.Errorf("closing interpreter store: %s", err)
	}
	if err := n.contentDS.Close(); err != nil {
		log.Errorf("closing content store: %s", err)
	}
	log.Infof("node stopped")
}
