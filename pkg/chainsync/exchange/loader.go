// Package exchange declares the TipsetLoader collaborator boundary of
// spec §4.4: the network-facing component that fetches tipset content
// (block headers, and transitively the blocks of a tipset) from peers on
// demand. The CORE never talks to the network directly — it asks a
// TipsetLoader and gets called back once all of a tipset's blocks are
// available, or once the tipset is known bad. Grounded on
// original_source/core/sync/tipset_loader.{hpp,cpp}.
package exchange

import (
	"context"
	"sync"

	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

// PeerID is an opaque network peer identity. The CORE only ever threads
// this value through to the loader; it never inspects it.
type PeerID string

// OnTipset is invoked once a requested tipset's blocks are all present
// locally (err == nil, ts populated) or the request failed/was abandoned
// (err != nil). Mirrors TipsetLoader::OnTipset.
type OnTipset func(hash types.TipsetHash, ts *types.Tipset, err error)

// TipsetLoader is the external collaborator the Syncer asks to fetch
// tipset content. Implementations may serve from a local cache or go out
// to the network; the CORE is agnostic to which.
type TipsetLoader interface {
	// Init registers the single callback invoked for every completed or
	// failed load request. Must be called once before any LoadTipsetAsync.
	Init(cb OnTipset)

	// LoadTipsetAsync begins fetching key's content, preferring peer if
	// non-empty, and using hintDepth as a hint for how many additional
	// tipsets below key the loader may prefetch speculatively. Returns
	// immediately; completion (or failure) arrives via the OnTipset
	// callback registered with Init.
	LoadTipsetAsync(ctx context.Context, key types.TipsetKey, peer PeerID, hintDepth int) error
}

// MemoryLoader is an in-memory TipsetLoader double for tests: it resolves
// a request out of a preloaded map, or reports an error for unknown keys.
// It never touches the network. Delivery happens on a fresh goroutine, the
// way a real network loader's completion would arrive — a callback fired
// from inside LoadTipsetAsync would re-enter the caller's own stack.
type MemoryLoader struct {
	mu    sync.Mutex
	known map[types.TipsetHash]*types.Tipset
	bad   map[types.TipsetHash]struct{}
	cb    OnTipset
}

// NewMemoryLoader returns a MemoryLoader with no preloaded content.
func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{
		known: make(map[types.TipsetHash]*types.Tipset),
		bad:   make(map[types.TipsetHash]struct{}),
	}
}

// Put preloads a tipset's content so it resolves on request.
func (l *MemoryLoader) Put(ts *types.Tipset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known[ts.Key.Hash()] = ts
}

// MarkBad preloads hash so the next load of it fails, simulating bad
// content received from a peer.
func (l *MemoryLoader) MarkBad(hash types.TipsetHash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bad[hash] = struct{}{}
}

func (l *MemoryLoader) Init(cb OnTipset) { l.cb = cb }

func (l *MemoryLoader) LoadTipsetAsync(ctx context.Context, key types.TipsetKey, peer PeerID, hintDepth int) error {
	hash := key.Hash()
	l.mu.Lock()
	_, bad := l.bad[hash]
	ts, ok := l.known[hash]
	l.mu.Unlock()

	go func() {
		switch {
		case bad:
			l.cb(hash, nil, ErrBadTipset)
		case !ok:
			l.cb(hash, nil, ErrUnknownTipset)
		default:
			l.cb(hash, ts, nil)
		}
	}()
	return nil
}
