package exchange

import "golang.org/x/xerrors"

// ErrBadTipset is returned by a TipsetLoader when the requested tipset is
// known to carry invalid blocks, letting the Syncer distinguish a
// malicious/broken chain from a transient fetch failure.
var ErrBadTipset = xerrors.New("exchange: tipset marked bad")

// ErrUnknownTipset is returned when the loader has no way to resolve the
// requested key (dead peer, never advertised, evicted cache entry).
var ErrUnknownTipset = xerrors.New("exchange: tipset not known to loader")
