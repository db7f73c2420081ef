package memtable

import (
	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/lsmcore/codec"
	"github.com/xiaoxuxiansheng/lsmcore/errs"
	"github.com/xiaoxuxiansheng/lsmcore/filter"
)

// 默认每 64 byte arena 预期容纳一个 kv 对，用于推导布隆过滤器的 hash 函数个数
const bytesPerEntryHint = 64

// MemTable 在有序表之上负责 internal key / value 的编码，并通过布隆过滤器加速不存在的 user key 的查询.
// 所有方法均可并发调用
type MemTable struct {
	table  Table
	filter filter.Filter
}

type options struct {
	tableConstructor TableConstructor
	bloomBits        int
	noBloom          bool
}

type Option func(*options)

// 注入有序表构造器. 默认使用跳表
func WithTableConstructor(constructor TableConstructor) Option {
	return func(o *options) {
		o.tableConstructor = constructor
	}
}

// 布隆过滤器 bitmap 长度，单位 bit. 默认为 capacity/8，<= 0 时关闭
func WithBloomBits(bits int) Option {
	return func(o *options) {
		o.bloomBits = bits
		o.noBloom = bits <= 0
	}
}

// 构造 memtable，arena 空间在构造时一次性分配
func New(capacity int, opts ...Option) (*MemTable, error) {
	o := options{
		tableConstructor: NewSkiplist,
		bloomBits:        capacity / 8,
	}
	for _, opt := range opts {
		opt(&o)
	}

	table, err := o.tableConstructor(capacity)
	if err != nil {
		return nil, err
	}

	m := MemTable{table: table}
	if !o.noBloom && o.bloomBits > 0 {
		if m.filter, err = filter.NewBloomFilter(o.bloomBits, capacity/bytesPerEntryHint); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// 写入一笔数据. 同一组 (userKey, seq, t) 重复写入返回 ErrDuplicateKey，arena 耗尽返回 errs.ErrResourceExhausted
func (m *MemTable) Add(seq codec.SeqNum, t codec.ValueType, userKey, value []byte) error {
	key, err := codec.EncodeKey(seq, t, userKey)
	if err != nil {
		return err
	}

	// 先写过滤器，保证 key 在有序表中可见时过滤器一定已经标记
	if m.filter != nil {
		m.filter.Add(userKey)
	}
	if err = m.table.Insert(key, codec.EncodeValue(value)); err != nil {
		return errors.Wrapf(err, "memtable add %s seq %s", t, seq)
	}
	return nil
}

// 回放一条 wal 记录. 记录无法解析或与已有数据重复时返回 errs.ErrCorruption，重复的记录同时保留 ErrDuplicateKey
func (m *MemTable) Replay(record []byte) (codec.InternalKey, error) {
	key, value, err := codec.DecodeRecord(record)
	if err != nil {
		return key, err
	}
	if err = m.Add(key.Seq, key.Type, key.UserKey, value); err != nil {
		// 正常写入流程不会产生重复的记录，说明 wal 内容已经损坏
		if errors.Is(err, ErrDuplicateKey) {
			return key, errs.WrapCorruption(err, "duplicate wal record")
		}
		return key, err
	}
	return key, nil
}

// 精确查找 (userKey, seq, TypeValue) 对应的 value. 不会回退查找更早的 seq
func (m *MemTable) Get(userKey []byte, seq codec.SeqNum) ([]byte, bool) {
	if m.filter != nil && !m.filter.MayContain(userKey) {
		return nil, false
	}

	// seq 越界的 key 不可能被写入过
	key, err := codec.EncodeKey(seq, codec.TypeValue, userKey)
	if err != nil {
		return nil, false
	}
	encoded, ok := m.table.Get(key)
	if !ok {
		return nil, false
	}
	value, _, err := codec.DecodeValue(encoded)
	if err != nil {
		return nil, false
	}
	return value, true
}

// 按 internal key 字节序返回全部编码后的 kv 对
func (m *MemTable) All() []*KV {
	return m.table.All()
}

// 布隆过滤器. 关闭时返回 nil
func (m *MemTable) Filter() filter.Filter {
	return m.filter
}

func (m *MemTable) Len() int {
	return m.table.Len()
}

func (m *MemTable) Allocated() int {
	return m.table.Allocated()
}

func (m *MemTable) Capacity() int {
	return m.table.Capacity()
}

// 判断 arena 剩余空间是否一定能容纳一组 kv 对. 并发写入时结果只是参考
func (m *MemTable) HasRoom(userKeyLen, valueLen int) bool {
	keyLen := userKeyLen + codec.TrailerLen
	keyLen += codec.UvarintLen(uint64(keyLen))
	valueLen += codec.UvarintLen(uint64(valueLen))
	return m.Allocated()+m.table.MaxEntrySize(keyLen, valueLen) <= m.Capacity()
}
