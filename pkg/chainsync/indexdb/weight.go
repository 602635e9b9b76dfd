package indexdb

import (
	"strconv"

	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/xerrors"
)

// EncodeWeight renders an arbitrary-precision chain weight as a decimal
// string prefixed with its 3-digit length, so that plain lexicographic
// comparison of two encoded values agrees with numeric comparison of the
// weights themselves: "00290" < "003110" sorts shorter (smaller) numbers first,
// and equal-length decimal strings already compare numerically. Weights are
// non-negative by construction (spec: monotonically non-decreasing).
func EncodeWeight(w big.Int) string {
	s := w.String()
	if len(s) > 999 {
		// a weight wider than 999 digits is far beyond any real chain
		s = s[:999]
	}
	prefix := strconv.Itoa(len(s))
	for len(prefix) < 3 {
		prefix = "0" + prefix
	}
	return prefix + s
}

// DecodeWeight parses a value produced by EncodeWeight.
func DecodeWeight(enc string) (big.Int, error) {
	if len(enc) < 4 {
		return big.Zero(), xerrors.Errorf("weight encoding too short: %q", enc)
	}
	n, err := strconv.Atoi(enc[:3])
	if err != nil || n != len(enc)-3 {
		return big.Zero(), xerrors.Errorf("bad weight length prefix: %q", enc)
	}
	w, err := big.FromString(enc[3:])
	if err != nil {
		return big.Zero(), xerrors.Errorf("bad weight digits: %q: %w", enc, err)
	}
	return w, nil
}
