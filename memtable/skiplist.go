package memtable

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

const (
	maxHeight  = 20         // 跳表最大高度
	heightSeed = 0xbc9f1d34 // 节点高度 hash 的 seed，与布隆过滤器不同

	nodeAlign = uint32(unsafe.Sizeof(uint32(0))) - 1

	linkSize    = uint32(unsafe.Sizeof(atomic.Uint32{}))
	maxNodeSize = uint32(unsafe.Sizeof(skipNode{}))
)

// 跳表，节点、key、value 全部存放在同一个 arena 中，节点之间通过 arena 内的 offset 相互引用.
// 各层的后继指针通过 CAS 更新，支持多协程并发写入和读取，无需加锁
type Skiplist struct {
	arena      *arena
	head       uint32        // 跳表的头结点
	height     atomic.Uint32 // 当前最大高度
	entriesCnt atomic.Int64  // 跳表中的 kv 对个数
}

// 跳表节点. 高度不足 maxHeight 的节点在分配时截掉 tower 尾部不用的部分，
// 因此只允许访问 tower[0:height]
type skipNode struct {
	keyOffset   uint32
	keySize     uint32
	valueOffset uint32
	valueSize   uint32
	height      uint32

	// 第 i 层的后继节点 offset，0 表示没有后继
	tower [maxHeight]atomic.Uint32
}

// 构造跳表实例
func NewSkiplist(capacity int) (Table, error) {
	arena, err := newArena(capacity, maxNodeSize)
	if err != nil {
		return nil, err
	}

	s := Skiplist{arena: arena}
	// 需要初始化根节点
	if s.head, _, err = s.newNode(nil, nil, maxHeight); err != nil {
		return nil, errs.InvalidInputf("arena capacity %d too small for skiplist head", capacity)
	}
	s.height.Store(1)
	return &s, nil
}

// 写入一笔 kv 对到跳表. key 已存在时返回 ErrDuplicateKey
func (s *Skiplist) Insert(key, value []byte) error {
	// 层数自高向低，找到每层的前驱和后继
	listHeight := s.height.Load()
	var prev, next [maxHeight + 1]uint32
	prev[listHeight] = s.head
	for level := int(listHeight) - 1; level >= 0; level-- {
		prev[level], next[level] = s.findSpliceForLevel(key, prev[level+1], level)
		if prev[level] == next[level] {
			return ErrDuplicateKey
		}
	}

	// 根据 key 算出新节点高度并构造新节点
	height := s.roll(key)
	nodeOffset, node, err := s.newNode(key, value, height)
	if err != nil {
		return err
	}

	// 倘若跳表原高度不足，则补齐高度
	for uint32(height) > listHeight {
		if s.height.CompareAndSwap(listHeight, uint32(height)) {
			break
		}
		listHeight = s.height.Load()
	}

	// 层数自低向高，每层通过 CAS 插入节点. 第 0 层插入成功后，节点即对读者可见
	for level := 0; level < height; level++ {
		for {
			if prev[level] == 0 {
				// 新增的层，从头结点开始检索
				prev[level], next[level] = s.findSpliceForLevel(key, s.head, level)
			}

			node.tower[level].Store(next[level])
			if s.node(prev[level]).tower[level].CompareAndSwap(next[level], nodeOffset) {
				break
			}

			// 有并发写入修改了前驱节点，重新定位
			prev[level], next[level] = s.findSpliceForLevel(key, prev[level], level)
			if prev[level] == next[level] {
				if level == 0 {
					return ErrDuplicateKey
				}
				return errors.AssertionFailedf("skiplist: equal key found at level %d after linking level 0", level)
			}
		}
	}

	s.entriesCnt.Add(1)
	return nil
}

// 从跳表中读取 kv 对
func (s *Skiplist) Get(key []byte) ([]byte, bool) {
	// 倘若 key 存在，返回对应 val
	if node := s.getNode(key); node != nil {
		return s.value(node), true
	}

	return nil, false
}

// 获取跳表中全量 kv 对数据
func (s *Skiplist) All() []*KV {
	kvs := make([]*KV, 0, s.Len())
	// 从第 0 层开始自左向右依次遍历读取
	for next := s.node(s.head).tower[0].Load(); next != 0; {
		node := s.node(next)
		kvs = append(kvs, &KV{
			Key:   s.key(node),
			Value: s.value(node),
		})
		next = node.tower[0].Load()
	}

	return kvs
}

// 跳表 kv 对数量
func (s *Skiplist) Len() int {
	return int(s.entriesCnt.Load())
}

func (s *Skiplist) Allocated() int {
	return s.arena.size()
}

func (s *Skiplist) Capacity() int {
	return s.arena.limit()
}

func (s *Skiplist) MaxEntrySize(keyLen, valueLen int) int {
	return int(maxNodeSize+nodeAlign) + keyLen + valueLen
}

// 根据 key 获取跳表中对应节点
func (s *Skiplist) getNode(key []byte) *skipNode {
	move := s.node(s.head)
	// 层数自高向低，逐层检索
	for level := int(s.height.Load()) - 1; level >= 0; level-- {
		// 持续向右移动，直到右侧为空或者右侧节点 key >= 检索 key
		for {
			next := move.tower[level].Load()
			if next == 0 {
				break
			}
			nextNode := s.node(next)
			cmp := bytes.Compare(s.key(nextNode), key)
			if cmp == 0 {
				return nextNode
			}
			if cmp > 0 {
				break
			}
			move = nextNode
		}
	}

	return nil
}

// 在 level 层从 before 开始向右检索，返回 key 的前驱与后继. key 已存在时两者均为该节点
func (s *Skiplist) findSpliceForLevel(key []byte, before uint32, level int) (uint32, uint32) {
	for {
		next := s.node(before).tower[level].Load()
		if next == 0 {
			return before, 0
		}
		cmp := bytes.Compare(key, s.key(s.node(next)))
		if cmp == 0 {
			return next, next
		}
		if cmp < 0 {
			return before, next
		}
		before = next
	}
}

// 在 arena 中分配节点，key 和 value 紧跟在截断后的节点之后
func (s *Skiplist) newNode(key, value []byte, height int) (uint32, *skipNode, error) {
	nodeSize := maxNodeSize - uint32(maxHeight-height)*linkSize
	offset, err := s.arena.allocate(uint64(nodeSize)+uint64(len(key))+uint64(len(value)), nodeAlign)
	if err != nil {
		return 0, nil, err
	}

	node := s.node(offset)
	node.keyOffset = offset + nodeSize
	node.keySize = uint32(len(key))
	node.valueOffset = node.keyOffset + node.keySize
	node.valueSize = uint32(len(value))
	node.height = uint32(height)
	copy(s.arena.getBytes(node.keyOffset, node.keySize), key)
	copy(s.arena.getBytes(node.valueOffset, node.valueSize), value)
	return offset, node, nil
}

func (s *Skiplist) node(offset uint32) *skipNode {
	return (*skipNode)(s.arena.pointer(offset))
}

func (s *Skiplist) key(node *skipNode) []byte {
	return s.arena.getBytes(node.keyOffset, node.keySize)
}

func (s *Skiplist) value(node *skipNode) []byte {
	return s.arena.getBytes(node.valueOffset, node.valueSize)
}

// 节点高度由 key 的 hash 决定. 最小为 1，每提高 1 层，概率减少为 1/2.
// 相同的 key 序列按相同顺序写入时，arena 的占用完全一致，回放 wal 时不会超出原有容量
func (s *Skiplist) roll(key []byte) int {
	h := murmur3.Sum32WithSeed(key, heightSeed)
	height := 1
	for height < maxHeight && h&1 == 1 {
		h >>= 1
		height++
	}
	return height
}
