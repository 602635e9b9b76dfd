// Package kvstore implements the opaque PersistentBufferMap collaborator
// (spec §4.5): a durable byte-key/byte-value store used by the
// InterpreterJob to memoize state-transition results so replay never
// repeats the same interpretation twice. Grounded on the teacher's use of
// github.com/ipfs/go-ds-badger2 over github.com/dgraph-io/badger/v2 as the
// datastore backing, wrapped in the github.com/ipfs/go-datastore
// interface.
package kvstore

import (
	"context"

	"github.com/dgraph-io/badger/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger2 "github.com/ipfs/go-ds-badger2"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("chainsync.kvstore")

// Store is a durable byte-key/byte-value map with prefix-scan support, the
// shape the original's storage::PersistentBufferMap interface requires.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	Delete(ctx context.Context, key []byte) error
	ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// badgerStore is the production Store, backed by badger2's LSM tree.
type badgerStore struct {
	ds *badger2.Datastore
}

// Open opens (or creates) a badger-backed Store rooted at dir. Values are
// always fully synced to disk on Put, matching the memoization cache's
// need to survive a crash without losing already-computed results.
func Open(dir string) (Store, error) {
	opts := badger2.DefaultOptions
	opts.SyncWrites = true
	opts.Logger = nil
	ds, err := badger2.NewDatastore(dir, &opts)
	if err != nil {
		return nil, xerrors.Errorf("opening badger kvstore at %s: %w", dir, err)
	}
	return &badgerStore{ds: ds}, nil
}

func toDSKey(key []byte) datastore.Key {
	return datastore.NewKey(string(key))
}

func (s *badgerStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := s.ds.Get(ctx, toDSKey(key))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("kvstore get: %w", err)
	}
	return v, true, nil
}

func (s *badgerStore) Put(ctx context.Context, key, value []byte) error {
	if err := s.ds.Put(ctx, toDSKey(key), value); err != nil {
		return xerrors.Errorf("kvstore put: %w", err)
	}
	return nil
}

func (s *badgerStore) Has(ctx context.Context, key []byte) (bool, error) {
	ok, err := s.ds.Has(ctx, toDSKey(key))
	if err != nil {
		return false, xerrors.Errorf("kvstore has: %w", err)
	}
	return ok, nil
}

func (s *badgerStore) Delete(ctx context.Context, key []byte) error {
	if err := s.ds.Delete(ctx, toDSKey(key)); err != nil {
		return xerrors.Errorf("kvstore delete: %w", err)
	}
	return nil
}

// ScanPrefix visits every key under prefix in lexicographic order.
func (s *badgerStore) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	results, err := s.ds.Query(ctx, query.Query{Prefix: string(prefix)})
	if err != nil {
		return xerrors.Errorf("kvstore scan: %w", err)
	}
	defer results.Close()
	for entry := range results.Next() {
		if entry.Error != nil {
			return xerrors.Errorf("kvstore scan entry: %w", entry.Error)
		}
		if err := fn([]byte(entry.Key), entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) Close() error {
	if err := s.ds.Close(); err != nil {
		return xerrors.Errorf("closing kvstore: %w", err)
	}
	return nil
}

// IsBadgerCorruption reports whether err indicates on-disk corruption,
// used by callers deciding whether a cache miss should be treated as
// "never computed" versus "storage is broken".
func IsBadgerCorruption(err error) bool {
	return xerrors.Is(err, badger.ErrTruncateNeeded)
}
