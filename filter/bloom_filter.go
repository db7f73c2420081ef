package filter

import (
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 布隆过滤器. bitmap 长度在构造时确定，写入通过 CAS 完成，支持并发 Add 和 MayContain
type BloomFilter struct {
	m      uint32          // bitmap 的长度，单位 bit
	k      uint32          // hash 函数个数
	words  []atomic.Uint64 // bitmap
	keyCnt atomic.Int64    // 添加过的 key 个数
}

// 布隆过滤器构造器. m 为 bitmap 长度，expectKeys 为预期的 key 个数，用于推导最佳 k
func NewBloomFilter(m int, expectKeys int) (*BloomFilter, error) {
	if m <= 0 || uint64(m) > 1<<32-64 {
		return nil, errs.InvalidInputf("bloom filter bits %d out of range", m)
	}
	words := (m + 63) >> 6
	return &BloomFilter{
		m:     uint32(words << 6),
		k:     uint32(bestK(m, expectKeys)),
		words: make([]atomic.Uint64, words),
	}, nil
}

// 添加一个 key 到布隆过滤器
func (bf *BloomFilter) Add(key []byte) {
	// 第一个基准 hash 函数 h1 = murmur3.Sum32
	// 第二个基准 hash 函数 h2 = h1 >> 17 | h1 << 15
	// 第 i 个 hash 函数 gi = h1 + i * h2
	hashedKey := murmur3.Sum32(key)
	delta := (hashedKey >> 17) | (hashedKey << 15)
	for i := uint32(0); i < bf.k; i++ {
		bf.setBit((hashedKey + i*delta) % bf.m)
	}
	bf.keyCnt.Add(1)
}

// 判断过滤器中是否存在 key（注意，可能存在假阳性误判问题）
func (bf *BloomFilter) MayContain(key []byte) bool {
	hashedKey := murmur3.Sum32(key)
	delta := (hashedKey >> 17) | (hashedKey << 15)
	for i := uint32(0); i < bf.k; i++ {
		targetBit := (hashedKey + i*delta) % bf.m
		// 对应 bit 位为 0，则 key 肯定不存在
		if bf.words[targetBit>>6].Load()&(1<<(targetBit&63)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) KeyLen() int {
	return int(bf.keyCnt.Load())
}

// bitmap 长度，单位 bit
func (bf *BloomFilter) Bits() int {
	return int(bf.m)
}

func (bf *BloomFilter) HashFuncs() int {
	return int(bf.k)
}

func (bf *BloomFilter) setBit(targetBit uint32) {
	word := &bf.words[targetBit>>6]
	mask := uint64(1) << (targetBit & 63)
	for {
		old := word.Load()
		if old&mask != 0 || word.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// 根据 m 和 n 推算出最佳的 k
func bestK(m, n int) uint8 {
	if n <= 0 {
		n = 1
	}
	// k 最佳计算公式：k = ln2 * m / n  m——bitmap 长度 n——key个数
	k := 69 * m / 100 / n
	// k ∈ [1,30]
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return uint8(k)
}
