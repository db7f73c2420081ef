package memtable

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

var _ Table = (*BTree)(nil)

const defaultDegree = 32

// BTree 基于 google/btree 实现有序表，读写通过一把读写锁串行化.
// key 和 value 同样拷贝到固定容量的 arena 中，与跳表的容量语义保持一致
type BTree struct {
	lock  sync.RWMutex
	tree  *btree.BTree
	arena *arena
}

// 有序表中的一组 kv 对，按照 key 的字节序排列
type item struct {
	key, value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

func NewBTree(capacity int) (Table, error) {
	arena, err := newArena(capacity, 0)
	if err != nil {
		return nil, err
	}
	return &BTree{
		tree:  btree.New(defaultDegree),
		arena: arena,
	}, nil
}

func (bt *BTree) Insert(key, value []byte) error {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	if bt.tree.Has(&item{key: key}) {
		return ErrDuplicateKey
	}

	offset, err := bt.arena.allocate(uint64(len(key))+uint64(len(value)), 0)
	if err != nil {
		return err
	}
	keySize, valueSize := uint32(len(key)), uint32(len(value))
	it := item{
		key:   bt.arena.getBytes(offset, keySize),
		value: bt.arena.getBytes(offset+keySize, valueSize),
	}
	copy(it.key, key)
	copy(it.value, value)
	bt.tree.ReplaceOrInsert(&it)
	return nil
}

func (bt *BTree) Get(key []byte) ([]byte, bool) {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	btItem := bt.tree.Get(&item{key: key})
	if btItem == nil {
		return nil, false
	}
	return btItem.(*item).value, true
}

func (bt *BTree) All() []*KV {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	kvs := make([]*KV, 0, bt.tree.Len())
	bt.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		kvs = append(kvs, &KV{
			Key:   it.key,
			Value: it.value,
		})
		return true
	})
	return kvs
}

func (bt *BTree) Len() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.tree.Len()
}

func (bt *BTree) Allocated() int {
	return bt.arena.size()
}

func (bt *BTree) Capacity() int {
	return bt.arena.limit()
}

func (bt *BTree) MaxEntrySize(keyLen, valueLen int) int {
	return keyLen + valueLen
}
