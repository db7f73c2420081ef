package lsmcore

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaoxuxiansheng/lsmcore/codec"
	"github.com/xiaoxuxiansheng/lsmcore/errs"
	"github.com/xiaoxuxiansheng/lsmcore/memtable"
	"github.com/xiaoxuxiansheng/lsmcore/wal"
)

// tree 已经关闭
var ErrClosed = errors.Mark(errors.New("lsmcore: tree is closed"), errs.ErrInvalidInput)

// 1 构造一棵树，基于 config 回放 wal 文件还原 memtable
// 2 写入一笔数据，先写 wal 再写 memtable
// 3 按照 (key, seq) 精确查询一笔数据
type Tree struct {
	conf *Config

	// 写数据时使用的锁，保证 wal 中记录的顺序与 seq 的顺序一致. 读操作不加锁
	writeLock sync.Mutex

	// 读写 memtable
	memTable *memtable.MemTable

	// 预写日志写入口. 关闭后为 nil
	walWriter *wal.WALWriter

	// memtable index，需要与 wal 文件一一对应
	memTableIndex int

	// 最近一次写入使用的 seq
	seq atomic.Uint64
}

// 构建出一棵 lsm tree
func NewTree(conf *Config) (*Tree, error) {
	// 1 构造 lsm tree 实例
	t := Tree{
		conf: conf,
	}

	// 2 读取 wal 还原出 memtable
	if err := t.constructMemtable(); err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"dir":     conf.Dir,
		"wal":     t.walWriter.File(),
		"entries": t.memTable.Len(),
		"seq":     t.LastSeq(),
	}
	if f := t.memTable.Filter(); f != nil {
		fields["bloom_bits"] = f.Bits()
		fields["bloom_hashes"] = f.HashFuncs()
		fields["bloom_keys"] = f.KeyLen()
	}
	conf.Logger.WithFields(fields).Info("lsmcore: tree opened")

	// 3 返回 lsm tree 实例
	return &t, nil
}

// 关闭 wal 文件. 关闭后写入返回 ErrClosed，已经写入的数据依然可读
func (t *Tree) Close() error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if t.walWriter == nil {
		return nil
	}
	err := t.walWriter.Close()
	if err != nil {
		t.conf.Logger.WithError(err).WithField("wal", t.walWriter.File()).Error("lsmcore: close wal")
	}
	t.walWriter = nil
	return err
}

// 写入一组 kv 对到 lsm tree，返回本次写入使用的 seq.
func (t *Tree) Put(key, value []byte) (codec.SeqNum, error) {
	return t.write(codec.TypeValue, key, value)
}

// 删除一个 key. 写入一条删除标记，返回本次写入使用的 seq.
func (t *Tree) Delete(key []byte) (codec.SeqNum, error) {
	return t.write(codec.TypeDeletion, key, nil)
}

// 查询 key 在 seq 版本下写入的 value. 只做精确匹配，不会回退查找更早的版本
func (t *Tree) Get(key []byte, seq codec.SeqNum) ([]byte, bool) {
	return t.memTable.Get(key, seq)
}

// 最近一次写入使用的 seq
func (t *Tree) LastSeq() codec.SeqNum {
	return codec.SeqNum(t.seq.Load())
}

func (t *Tree) MemTable() *memtable.MemTable {
	return t.memTable
}

func (t *Tree) write(typ codec.ValueType, key, value []byte) (codec.SeqNum, error) {
	// 1 加写锁
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if t.walWriter == nil {
		return 0, ErrClosed
	}

	// 2 memtable 空间不足时直接拒绝，保证写入 wal 的数据一定能写入 memtable
	if !t.memTable.HasRoom(len(key), len(value)) {
		return 0, errs.ResourceExhaustedf("lsmcore: memtable full, allocated %d of %d", t.memTable.Allocated(), t.memTable.Capacity())
	}

	// 3 分配 seq，编码出 wal 记录
	seq := t.LastSeq() + 1
	record, err := codec.AppendRecord(nil, seq, typ, key, value)
	if err != nil {
		return 0, err
	}

	// 4 数据预写入预写日志中，防止因宕机引起 memtable 数据丢失.
	if err = t.walWriter.Write(record); err == nil {
		if t.conf.SyncWrites {
			err = t.walWriter.Sync()
		} else {
			err = t.walWriter.Flush()
		}
	}
	if err != nil {
		return 0, err
	}
	// 记录已经进入 wal，对应的 seq 不能再被复用
	t.seq.Store(uint64(seq))

	// 5 数据写入读写 memtable
	if err = t.memTable.Add(seq, typ, key, value); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *Tree) walFile() string {
	return path.Join(t.conf.walDir(), fmt.Sprintf("%d.wal", t.memTableIndex))
}

func walFileToMemTableIndex(walFile string) (int, bool) {
	rawIndex := strings.TrimSuffix(walFile, ".wal")
	index, err := strconv.Atoi(rawIndex)
	return index, err == nil && index >= 0
}
