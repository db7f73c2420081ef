package wal

import (
	"encoding/binary"
	"io"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 预写日志读取口，顺序回放日志中的记录
type Reader struct {
	src         io.Reader
	blockSize   int
	blockOffset int // 当前 block 内已读取的大小
	checksums   bool
	header      [HeaderSize]byte

	// 读取时遇到新记录的起始帧，而前一条记录还没有读完. 前一条记录被判定为损坏，起始帧留到下一次读取
	pending     []byte
	pendingType RecordType
	hasPending  bool

	// 上一次读取返回了 corruption. 损坏记录剩余的 Middle/Last 帧直接丢弃，不再逐帧报错
	resync bool
}

// 构造器. block 大小必须与写入方一致
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Reader{
		src:         src,
		blockSize:   o.blockSize,
		blockOffset: o.blockOffset(),
		checksums:   o.checksums,
	}, nil
}

// 读取下一条记录，追加到 dst[:0] 后返回.
// 日志正常结束时返回 io.EOF；数据校验失败返回 errs.ErrCorruption；底层读取失败返回 errs.ErrIO.
// 返回 corruption 时出错的帧已被消费，可以继续调用 Read 读取后续记录. 一条损坏的记录只返回一次 corruption
func (r *Reader) Read(dst []byte) ([]byte, error) {
	record, err := r.read(dst)
	if err != nil && err != io.EOF {
		r.resync = errors.Is(err, errs.ErrCorruption)
	}
	return record, err
}

func (r *Reader) read(dst []byte) ([]byte, error) {
	dst = dst[:0]
	var inFragment bool
	if r.hasPending {
		r.hasPending = false
		r.resync = false
		dst = append(dst, r.pending...)
		if r.pendingType == Full {
			return dst, nil
		}
		inFragment = true
	}

	for {
		start := len(dst)
		typ, frame, err := r.readFrame(dst)
		if err == io.EOF {
			if inFragment {
				return nil, errs.WrapCorruption(io.ErrUnexpectedEOF, "wal: partial record at end of log")
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		switch typ {
		case Full, First:
			if inFragment && r.checksums {
				r.pending = append(r.pending[:0], frame[start:]...)
				r.pendingType = typ
				r.hasPending = true
				return nil, errs.Corruptionf("wal: record missing %s fragment before new %s frame", Last, typ)
			}
			r.resync = false
			dst = frame
			if typ == Full {
				return dst, nil
			}
			inFragment = true
		case Middle, Last:
			if !inFragment && r.checksums {
				if !r.resync {
					return nil, errs.Corruptionf("wal: %s frame without %s frame", typ, First)
				}
				// 丢弃已报告损坏的记录的剩余分片
				dst = frame[:start]
				if typ == Last {
					r.resync = false
				}
				continue
			}
			dst = frame
			if typ == Last {
				return dst, nil
			}
			inFragment = true
		default:
			if r.checksums {
				return nil, errs.Corruptionf("wal: unknown frame type %s", typ)
			}
			// 不校验时直接丢弃未知类型的帧
		}
	}
}

// 读取一个帧，把帧数据追加到 dst 后返回. 没有任何可读数据时返回 io.EOF
func (r *Reader) readFrame(dst []byte) (RecordType, []byte, error) {
	// block 剩余空间放不下 header，跳过补零部分
	if spaceLeft := r.blockSize - r.blockOffset; spaceLeft < HeaderSize {
		if spaceLeft > 0 {
			n, err := io.ReadFull(r.src, r.header[:spaceLeft])
			r.blockOffset += n
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return 0, nil, io.EOF
			}
			if err != nil {
				return 0, nil, errs.IOFailure(err, "wal: skip block padding")
			}
		}
		r.blockOffset = 0
	}

	n, err := io.ReadFull(r.src, r.header[:])
	r.blockOffset += n
	if err == io.EOF {
		return 0, nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return 0, nil, errs.WrapCorruption(err, "wal: truncated frame header")
	}
	if err != nil {
		return 0, nil, errs.IOFailure(err, "wal: read frame header")
	}

	checksum := binary.LittleEndian.Uint32(r.header[0:4])
	length := int(binary.LittleEndian.Uint16(r.header[4:6]))
	typ := RecordType(r.header[6])
	if spaceLeft := r.blockSize - r.blockOffset; length > spaceLeft {
		return 0, nil, errs.Corruptionf("wal: frame length %d exceeds block remaining %d", length, spaceLeft)
	}

	start := len(dst)
	dst = slices.Grow(dst, length)[:start+length]
	data := dst[start:]
	n, err = io.ReadFull(r.src, data)
	r.blockOffset += n
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return 0, nil, errs.WrapCorruption(io.ErrUnexpectedEOF, "wal: truncated frame data")
	}
	if err != nil {
		return 0, nil, errs.IOFailure(err, "wal: read frame data")
	}

	if r.checksums && Unmask(checksum) != frameChecksum(typ, data) {
		return 0, nil, errs.Corruptionf("wal: checksum mismatch in %s frame of length %d", typ, length)
	}
	return typ, dst, nil
}
