package filter

// 过滤器. 用于辅助 memtable 快速判定一个 user key 是否一定不存在
type Filter interface {
	Add(key []byte)             // 添加 key 到过滤器，可并发调用
	MayContain(key []byte) bool // 是否可能存在 key. 返回 false 时 key 一定不存在
	KeyLen() int                // 添加过多少次 key
	Bits() int                  // bitmap 长度，单位 bit
	HashFuncs() int             // hash 函数个数
}
