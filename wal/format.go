package wal

import (
	"fmt"
	"math"

	"github.com/cockroachdb/redact"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 日志文件格式，数值属于磁盘格式的一部分，不能修改.
//
// 文件由固定大小的 block 组成，每条记录被切分为一个或多个帧写入 block:
//
//	+----------------+-------------+-----------+--- ... ---+
//	| checksum (4B)  | length (2B) | type (1B) | data      |
//	+----------------+-------------+-----------+--- ... ---+
//
// checksum 为 type 与 data 拼接后的 crc32c，经过 mask 处理. 整数均为小端.
// block 剩余空间不足一个 header 时补零，header 不会跨越 block 边界
const (
	BlockSize  = 32 * 1024
	HeaderSize = 4 + 2 + 1
)

type RecordType uint8

const (
	Full   RecordType = 1 // 完整的一条记录
	First  RecordType = 2 // 记录的第一个分片
	Middle RecordType = 3 // 记录的中间分片
	Last   RecordType = 4 // 记录的最后一个分片
)

func (t RecordType) String() string {
	switch t {
	case Full:
		return "FULL"
	case First:
		return "FIRST"
	case Middle:
		return "MIDDLE"
	case Last:
		return "LAST"
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(t))
}

// SafeFormat implements redact.SafeFormatter.
func (t RecordType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

type options struct {
	blockSize int   // block 大小，读写两端必须一致
	offset    int64 // 续写已有文件时的起始位置
	checksums bool  // 读取时是否校验 checksum
}

type Option func(*options)

// block 大小，默认 32KB. 读写两端必须使用相同的值
func WithBlockSize(blockSize int) Option {
	return func(o *options) {
		o.blockSize = blockSize
	}
}

// 从已有日志的 offset 处开始续写/读取，offset 必须是按照相同 block 大小写出的位置
func WithOffset(offset int64) Option {
	return func(o *options) {
		o.offset = offset
	}
}

// 读取时是否校验 checksum，默认开启
func WithChecksums(verify bool) Option {
	return func(o *options) {
		o.checksums = verify
	}
}

func newOptions(opts []Option) (options, error) {
	o := options{
		blockSize: BlockSize,
		checksums: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// 帧长度字段只有 2 byte
	if o.blockSize <= HeaderSize || o.blockSize > HeaderSize+math.MaxUint16 {
		return o, errs.InvalidInputf("wal: block size %d out of range (%d, %d]", o.blockSize, HeaderSize, HeaderSize+math.MaxUint16)
	}
	if o.offset < 0 {
		return o, errs.InvalidInputf("wal: negative offset %d", o.offset)
	}
	return o, nil
}

// offset 在 block 内的位置
func (o *options) blockOffset() int {
	return int(o.offset % int64(o.blockSize))
}
