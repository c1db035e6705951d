package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/rpattn/evalsandbox/internal/domain"
)

// BadgerConfig configures the embedded snapshot database.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerStore keeps JSON-encoded snapshots in BadgerDB under
// "snapshot/<environment>/<label>".
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens (or creates) the snapshot database.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent snapshot store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

var _ Store = (*BadgerStore)(nil)

// Close releases the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func environmentPrefix(environmentID uuid.UUID) []byte {
	return []byte("snapshot/" + environmentID.String() + "/")
}

func snapshotKey(environmentID uuid.UUID, label string) []byte {
	return append(environmentPrefix(environmentID), label...)
}

func (b *BadgerStore) Put(_ context.Context, snapshot domain.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snapshot.Label(), err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snapshot.EnvironmentID(), snapshot.Label()), payload)
	})
}

func (b *BadgerStore) Get(_ context.Context, environmentID uuid.UUID, label string) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(environmentID, label))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Snapshot{}, notFound(environmentID, label)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load snapshot %s: %w", label, err)
	}
	return snapshot, nil
}

func (b *BadgerStore) List(_ context.Context, environmentID uuid.UUID) ([]string, error) {
	var snapshots []domain.Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := environmentPrefix(environmentID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snapshot domain.Snapshot
				if err := json.Unmarshal(val, &snapshot); err != nil {
					return err
				}
				snapshots = append(snapshots, snapshot)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", environmentID, err)
	}
	return labelsOf(snapshots), nil
}

func (b *BadgerStore) DeleteEnvironment(_ context.Context, environmentID uuid.UUID) error {
	if err := b.db.DropPrefix(environmentPrefix(environmentID)); err != nil {
		return fmt.Errorf("purge snapshots of %s: %w", environmentID, err)
	}
	return nil
}
