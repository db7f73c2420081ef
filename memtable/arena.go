package memtable

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 固定容量的内存池. 通过原子递增的 offset 分配空间，分配出去的空间不会回收.
// offset 0 保留，用于表示空指针
type arena struct {
	n        atomic.Uint32 // 已分配到的位置
	capacity uint32        // 可分配的上限
	buf      []byte
}

// slack 为 buf 尾部额外预留的空间，不计入容量，保证按最大节点结构体解析尾部节点时不会越界
func newArena(capacity int, slack uint32) (*arena, error) {
	if capacity <= 0 || uint64(capacity) > math.MaxUint32 {
		return nil, errs.InvalidInputf("arena capacity %d out of range", capacity)
	}
	a := arena{
		capacity: uint32(capacity),
		buf:      make([]byte, uint64(capacity)+uint64(slack)),
	}
	a.n.Store(1)
	return &a, nil
}

// 分配 size byte 的空间，起始位置按 align+1 对齐. align 必须为 2^n-1
func (a *arena) allocate(size uint64, align uint32) (uint32, error) {
	for {
		n := a.n.Load()
		offset := (uint64(n) + uint64(align)) &^ uint64(align)
		end := offset + size
		if end > uint64(a.capacity) {
			return 0, errs.ResourceExhaustedf("arena exhausted: need %d bytes, used %d of %d", size, n, a.capacity)
		}
		if a.n.CompareAndSwap(n, uint32(end)) {
			return uint32(offset), nil
		}
	}
}

func (a *arena) getBytes(offset, size uint32) []byte {
	return a.buf[offset : offset+size : offset+size]
}

func (a *arena) pointer(offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&a.buf[offset])
}

func (a *arena) size() int {
	return int(a.n.Load())
}

func (a *arena) limit() int {
	return int(a.capacity)
}
