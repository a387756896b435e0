// Package badger 提供基于BadgerDB的记录存储，作为同步服务端的数据来源
//
// 记录按 (namespace, height) 存放，key 为 namespace + '/' + 8 字节大端高度，
// 范围读取通过只读事务逐条 Get，不预先物化结果集。
package badger

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	badgerconfig "github.com/weisyn/syncnet/internal/config/storage/badger"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("badger store closed")

// Store 记录存储
type Store struct {
	db     *badgerdb.DB
	config *badgerconfig.Config
	logger log.Logger

	// 避免 Close 过程中仍有写入
	closing int32
	writeWg sync.WaitGroup
}

// Open 打开存储
func Open(config *badgerconfig.Config, logger log.Logger) (*Store, error) {
	var opts badgerdb.Options
	if config.IsInMemory() {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
		logger.Infof("初始化BadgerDB存储（内存模式）")
	} else {
		dataDir := config.GetPath()
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, errors.Wrapf(err, "create badger dir %s", dataDir)
		}
		opts = badgerdb.DefaultOptions(dataDir)
		opts.SyncWrites = config.IsSyncWritesEnabled()
		logger.Infof("初始化BadgerDB存储，数据目录: %s", dataDir)
	}
	if size := config.GetMemTableSize(); size > 0 {
		opts.MemTableSize = size
	}
	// ValueThreshold 不得超过单批写入上限（MemTableSize 的 15%）
	if limit := opts.MemTableSize * 15 / 100; opts.ValueThreshold > limit {
		opts.ValueThreshold = limit
	}
	opts.BlockCacheSize = 64 << 20
	opts.IndexCacheSize = 32 << 20
	opts.NumMemtables = 2
	opts.NumCompactors = 2
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Store{db: db, config: config, logger: logger}, nil
}

// Close 关闭存储，等待进行中的写入完成
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return nil
	}
	s.writeWg.Wait()
	return s.db.Close()
}

func (s *Store) beginWrite() (func(), error) {
	if atomic.LoadInt32(&s.closing) == 1 {
		return nil, ErrClosed
	}
	s.writeWg.Add(1)
	if atomic.LoadInt32(&s.closing) == 1 {
		s.writeWg.Done()
		return nil, ErrClosed
	}
	return s.writeWg.Done, nil
}

// RecordKey 记录的存储 key
func RecordKey(namespace string, height uint64) []byte {
	key := make([]byte, len(namespace)+1+8)
	copy(key, namespace)
	key[len(namespace)] = '/'
	binary.BigEndian.PutUint64(key[len(namespace)+1:], height)
	return key
}

// Put 写入一条记录
func (s *Store) Put(ctx context.Context, namespace string, height uint64, value []byte) error {
	return s.PutBatch(ctx, namespace, height, [][]byte{value})
}

// PutBatch 从 startHeight 开始连续写入多条记录
func (s *Store) PutBatch(ctx context.Context, namespace string, startHeight uint64, values [][]byte) error {
	done, err := s.beginWrite()
	if err != nil {
		return err
	}
	defer done()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Set(RecordKey(namespace, startHeight+uint64(i)), v); err != nil {
			return errors.Wrap(err, "batch set")
		}
	}
	return errors.Wrap(wb.Flush(), "batch flush")
}

// Get 读取一条记录，不存在时返回 badger.ErrKeyNotFound
func (s *Store) Get(ctx context.Context, namespace string, height uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(RecordKey(namespace, height))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Source 返回指定命名空间的记录来源
func (s *Store) Source(namespace string) syncnet.RecordSource {
	return &rangeSource{store: s, namespace: namespace}
}

// rangeSource 按高度范围读取一个命名空间
type rangeSource struct {
	store     *Store
	namespace string
}

// QueryRange 实现 syncnet.RecordSource
func (r *rangeSource) QueryRange(ctx context.Context, filter types.RangeFilter) (syncnet.RecordIterator, error) {
	if atomic.LoadInt32(&r.store.closing) == 1 {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := filter.Step
	if step == 0 {
		step = 1
	}
	return &rangeIterator{
		txn:       r.store.db.NewTransaction(false),
		namespace: r.namespace,
		next:      filter.Start,
		remaining: filter.Limit,
		step:      step,
		backward:  filter.Direction == types.DirectionBackward,
	}, nil
}

// rangeIterator 在只读事务快照上逐条读取
// 遇到缺失的高度即视为序列结束
type rangeIterator struct {
	txn       *badgerdb.Txn
	namespace string
	next      uint64
	remaining uint64
	step      uint64
	backward  bool
	done      bool
}

// Next 实现 syncnet.RecordIterator
func (it *rangeIterator) Next(ctx context.Context) ([]byte, error) {
	if it.done || it.remaining == 0 {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	item, err := it.txn.Get(RecordKey(it.namespace, it.next))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		it.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s/%d", it.namespace, it.next)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrapf(err, "copy %s/%d", it.namespace, it.next)
	}

	it.remaining--
	if it.backward {
		if it.next < it.step {
			it.done = true
		} else {
			it.next -= it.step
		}
	} else {
		if it.next > math.MaxUint64-it.step {
			it.done = true
		} else {
			it.next += it.step
		}
	}
	return value, nil
}

// Close 实现 syncnet.RecordIterator
func (it *rangeIterator) Close() error {
	it.txn.Discard()
	return nil
}

// badgerLogger BadgerDB日志适配器
type badgerLogger struct {
	logger log.Logger
}

// Errorf 输出错误日志
func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

// Warningf 输出警告日志
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

// Infof 输出信息日志
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof("[BadgerDB] "+format, args...)
}

// Debugf 输出调试日志
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}
