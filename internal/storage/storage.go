// Package storage is the machine registry for metalpool.
//
// Records are JSON documents in a badger key-value store:
//
//	machine:<system_id>        models.Machine
//	hostname:<hostname>        system id (unique index)
//	zone:<name>                models.Zone
//	tag:<name>                 models.Tag
//	fabric:<name>              models.Fabric
//	subnet:<name>              models.Subnet
//	rack:<id>                  models.RackController
//	scriptset:<system_id>:<id> models.ScriptSet
//
// Internal machine and device ids come from badger sequences. Conditional
// updates run inside a badger transaction and are retried when badger
// reports a conflicting concurrent write, so a check on the stored status
// is always made against the value that gets replaced.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken
	ErrAlreadyExists = errors.New("already exists")
	// ErrPreconditionFailed is returned when a conditional update's check fails
	ErrPreconditionFailed = errors.New("precondition failed")
)

const (
	machineSeqKey = "seq:machine"
	deviceSeqKey  = "seq:device"

	// maxTxnRetries bounds retries of a transaction that lost a write race
	maxTxnRetries = 10
)

// Storage is the badger-backed machine registry.
type Storage struct {
	db         *badger.DB
	machineSeq *badger.Sequence
	deviceSeq  *badger.Sequence
	logger     *zap.Logger
	now        func() time.Time
}

// New opens the registry described by cfg and ensures the default zone exists.
func New(cfg config.StorageConfig, logger *zap.Logger) (*Storage, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path))
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	s := &Storage{
		db:     db,
		logger: logger.Named("storage"),
		now:    time.Now,
	}

	if s.machineSeq, err = db.GetSequence([]byte(machineSeqKey), 100); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create machine sequence: %w", err)
	}
	if s.deviceSeq, err = db.GetSequence([]byte(deviceSeqKey), 1000); err != nil {
		_ = s.machineSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create device sequence: %w", err)
	}

	if err := s.ensureDefaultZone(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// NewInMemory opens an empty in-memory registry.
func NewInMemory(logger *zap.Logger) (*Storage, error) {
	return New(config.StorageConfig{InMemory: true}, logger)
}

// Close releases the sequences and closes the database.
func (s *Storage) Close() error {
	if s.deviceSeq != nil {
		_ = s.deviceSeq.Release()
	}
	if s.machineSeq != nil {
		_ = s.machineSeq.Release()
	}
	return s.db.Close()
}

func (s *Storage) nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// sequences start at 0, ids start at 1
	return int64(n) + 1, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func getJSON(txn *badger.Txn, key string, out interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanPrefix decodes every value under prefix with decode.
func scanPrefix(txn *badger.Txn, prefix string, decode func(v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) ensureDefaultZone(ctx context.Context) error {
	err := s.CreateZone(ctx, &models.Zone{Name: models.DefaultZone, Description: "Default zone"})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("failed to create default zone: %w", err)
	}
	return nil
}
