package memtable

import (
	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 同一个 internal key 被重复写入
var ErrDuplicateKey = errors.Mark(errors.New("memtable: duplicate internal key"), errs.ErrInvalidInput)

// 有序表构造器. capacity 为 arena 容量，单位 byte
type TableConstructor func(capacity int) (Table, error)

// 有序表 interface. key、value 均为编码后的数据，按照 key 的字节序排列
type Table interface {
	Insert(key, value []byte) error        // 写入数据. key 已存在时返回 ErrDuplicateKey，arena 耗尽时返回 errs.ErrResourceExhausted
	Get(key []byte) ([]byte, bool)         // 读取数据，第二个 bool flag 标识数据是否存在
	All() []*KV                            // 按序返回所有的 kv 对数据
	Len() int                              // kv 对数量
	Allocated() int                        // arena 已使用的大小，单位 byte
	Capacity() int                         // arena 容量，单位 byte
	MaxEntrySize(keyLen, valueLen int) int // 写入一组 kv 对最多占用的 arena 大小
}

type KV struct {
	Key, Value []byte
}
