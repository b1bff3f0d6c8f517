package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/protocol"
)

// maxJournalReplay caps how many journaled messages one replay returns.
const maxJournalReplay = 4096

// Journal is the durable per-repository message log used for replay across
// restarts. Values are binary-encoded messages compressed with zstd; entries
// expire after the retention period.
type Journal struct {
	db        *badger.DB
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	retention time.Duration
	logger    *zap.Logger
}

// OpenJournal opens the journal described by cfg.
func OpenJournal(cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("journal")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("journal: path is required for a persistent journal")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("journal: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("journal: zstd decoder: %w", err)
	}
	return &Journal{db: db, enc: enc, dec: dec, retention: cfg.Retention, logger: logger}, nil
}

// Close releases the database and codecs.
func (j *Journal) Close() error {
	j.dec.Close()
	if err := j.enc.Close(); err != nil {
		j.logger.Warn("close zstd encoder", zap.Error(err))
	}
	return j.db.Close()
}

func repoPrefix(repo string) []byte {
	return []byte("msg\x00" + repo + "\x00")
}

func messageKey(repo string, ts int64) []byte {
	return fmt.Appendf(repoPrefix(repo), "%016d", ts)
}

// Append stores m under its timestamp.
func (j *Journal) Append(repo string, m *protocol.Message) error {
	raw, err := protocol.Binary.Encode(m)
	if err != nil {
		return err
	}
	e := badger.NewEntry(messageKey(repo, m.Timestamp), j.enc.EncodeAll(raw, nil))
	if j.retention > 0 {
		e = e.WithTTL(j.retention)
	}
	if err := j.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(e) }); err != nil {
		return fmt.Errorf("journal: append %s@%d: %w", repo, m.Timestamp, err)
	}
	return nil
}

// Since returns journaled messages of repo with Timestamp > since, oldest
// first, at most limit (maxJournalReplay when limit <= 0). truncated reports
// whether more remained.
func (j *Journal) Since(ctx context.Context, repo string, since int64, limit int) (out []*protocol.Message, truncated bool, err error) {
	if limit <= 0 || limit > maxJournalReplay {
		limit = maxJournalReplay
	}
	prefix := repoPrefix(repo)
	err = j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(messageKey(repo, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(out) == limit {
				truncated = true
				return nil
			}
			var m *protocol.Message
			err := it.Item().Value(func(v []byte) error {
				raw, err := j.dec.DecodeAll(v, nil)
				if err != nil {
					return err
				}
				m, err = protocol.Binary.Decode(raw)
				return err
			})
			if err != nil {
				j.logger.Warn("skipping unreadable journal entry", zap.ByteString("key", it.Item().KeyCopy(nil)), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("journal: read %s since %d: %w", repo, since, err)
	}
	return out, truncated, nil
}

// Last returns the newest journaled timestamp of repo, or 0.
func (j *Journal) Last(repo string) (int64, error) {
	prefix := repoPrefix(repo)
	var last int64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &last); err != nil {
				return fmt.Errorf("malformed key %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: last of %s: %w", repo, err)
	}
	return last, nil
}

// Compact runs value log garbage collection until nothing is reclaimed.
func (j *Journal) Compact() error {
	for {
		err := j.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("journal: gc: %w", err)
		}
	}
}

// badgerLogger routes badger's logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
