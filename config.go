package lsmcore

import (
	"os"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
	"github.com/xiaoxuxiansheng/lsmcore/memtable"
	"github.com/xiaoxuxiansheng/lsmcore/wal"
)

// wal 文件所在的子目录
const walDirName = "walfile"

// lsm tree 配置项聚合
type Config struct {
	Dir string // 数据目录，wal 文件存放在 Dir/walfile 下

	// memtable 相关
	MemTableSize        int                       // memtable arena 大小，默认 4MB
	MemTableConstructor memtable.TableConstructor // 有序表构造器，默认为跳表
	BloomBits           int                       // 布隆过滤器 bitmap 长度，默认 MemTableSize/8. 小于 0 时关闭

	// wal 相关
	WALBlockSize   int  // wal block 大小，默认 32KB
	WALChecksums   bool // 回放 wal 时是否校验 checksum，默认开启
	StrictRecovery bool // 回放 wal 遇到损坏数据时是否直接报错. 默认跳过并打印日志
	SyncWrites     bool // 每次写入后是否 fsync wal

	Logger logrus.FieldLogger
}

// 配置文件构造器.
func NewConfig(dir string, opts ...ConfigOption) (*Config, error) {
	c := Config{
		Dir:          dir,
		WALChecksums: true,
	}

	// 加载配置项
	for _, opt := range opts {
		opt(&c)
	}

	// 兜底修复
	repaire(&c)

	return &c, c.check() // 校验配置是否合法，如果 wal 目录缺失则进行创建
}

// 校验配置是否合法，如果 wal 目录缺失则进行创建
func (c *Config) check() error {
	if c.Dir == "" {
		return errs.InvalidInputf("config: empty dir")
	}
	if c.MemTableSize <= 0 || uint64(c.MemTableSize) >= 1<<32 {
		return errs.InvalidInputf("config: memtable size %d out of range", c.MemTableSize)
	}
	if c.WALBlockSize <= wal.HeaderSize || c.WALBlockSize > wal.HeaderSize+65535 {
		return errs.InvalidInputf("config: wal block size %d out of range", c.WALBlockSize)
	}

	return errs.IOFailure(os.MkdirAll(c.walDir(), os.ModePerm), "config: create wal dir")
}

func (c *Config) walDir() string {
	return path.Join(c.Dir, walDirName)
}

// 配置项
type ConfigOption func(*Config)

// memtable arena 大小，单位 byte. 默认为 4MB. 写满之后继续写入返回 errs.ErrResourceExhausted
func WithMemTableSize(size int) ConfigOption {
	return func(c *Config) {
		c.MemTableSize = size
	}
}

// 注入有序表构造器. 默认使用本项目下实现的跳表 skiplist.
func WithMemTableConstructor(constructor memtable.TableConstructor) ConfigOption {
	return func(c *Config) {
		c.MemTableConstructor = constructor
	}
}

// 布隆过滤器 bitmap 长度. 传入负数关闭布隆过滤器
func WithBloomBits(bits int) ConfigOption {
	return func(c *Config) {
		c.BloomBits = bits
	}
}

// wal 文件中每个 block 块的大小. 默认为 32KB，读写两端必须一致
func WithWALBlockSize(blockSize int) ConfigOption {
	return func(c *Config) {
		c.WALBlockSize = blockSize
	}
}

// 回放 wal 时是否校验 checksum
func WithWALChecksums(verify bool) ConfigOption {
	return func(c *Config) {
		c.WALChecksums = verify
	}
}

// 回放 wal 遇到损坏数据时直接返回错误
func WithStrictRecovery() ConfigOption {
	return func(c *Config) {
		c.StrictRecovery = true
	}
}

// 每次写入都对 wal 执行 fsync
func WithSyncWrites() ConfigOption {
	return func(c *Config) {
		c.SyncWrites = true
	}
}

// 注入日志. 默认使用 logrus 标准 logger
func WithLogger(logger logrus.FieldLogger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func repaire(c *Config) {
	// memtable 默认大小为 4MB.
	if c.MemTableSize == 0 {
		c.MemTableSize = 4 * 1024 * 1024
	}

	// 注入有序表构造器. 默认使用本项目下实现的跳表 skiplist.
	if c.MemTableConstructor == nil {
		c.MemTableConstructor = memtable.NewSkiplist
	}

	// 布隆过滤器默认每 8 byte arena 对应 1 bit
	if c.BloomBits == 0 {
		c.BloomBits = c.MemTableSize / 8
	}

	// wal block 默认 32KB.
	if c.WALBlockSize == 0 {
		c.WALBlockSize = wal.BlockSize
	}

	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}
