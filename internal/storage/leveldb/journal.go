// Package leveldb stores the ledger journal in an embedded LevelDB database,
// for single-node deployments that need durability without a MySQL server.
// Entries are msgpack-encoded and keyed by big-endian sequence number so a
// prefix scan returns them in commit order.
package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
)

var entryPrefix = []byte("journal/")

// Config 描述 LevelDB 日志的存放位置。
type Config struct {
	Path string `json:"path"`
	// NoSync 关闭每次写入后的 fsync，仅用于测试。
	NoSync bool `json:"no_sync"`
}

// Journal 实现 ledger.Journal。
type Journal struct {
	mu     sync.Mutex
	db     *leveldb.DB
	noSync bool
}

var _ ledger.Journal = (*Journal)(nil)

// Open 打开或创建数据库，文件损坏时尝试恢复。
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "leveldb journal path is required")
	}
	db, err := leveldb.OpenFile(cfg.Path, &opt.Options{})
	if _, corrupted := err.(*lderrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(cfg.Path, nil)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 LevelDB 日志失败")
	}
	return &Journal{db: db, noSync: cfg.NoSync}, nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

func encodeEntry(entry ledger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (ledger.Entry, error) {
	var entry ledger.Entry
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&entry)
	return entry, err
}

// Append 实现 ledger.Journal。已存在的序号返回 CONFLICT。
func (j *Journal) Append(ctx context.Context, entry ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := encodeEntry(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码日志记录失败")
	}
	key := entryKey(entry.Sequence)

	j.mu.Lock()
	defer j.mu.Unlock()
	exists, err := j.db.Has(key, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志失败")
	}
	if exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("日志序号 %d 已存在", entry.Sequence))
	}
	if err := j.db.Put(key, value, &opt.WriteOptions{Sync: !j.noSync}); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入日志失败")
	}
	return nil
}

// Replay 实现 ledger.Journal。
func (j *Journal) Replay(ctx context.Context, fn func(ledger.Entry) error) error {
	iter := j.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			return xerrors.Wrap(ledger.CodeJournalCorrupt, err,
				fmt.Sprintf("解析日志记录 %d 失败", binary.BigEndian.Uint64(iter.Key()[len(entryPrefix):])))
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历日志失败")
	}
	return nil
}

// Close 实现 ledger.Journal。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
