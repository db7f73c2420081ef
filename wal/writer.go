package wal

import (
	"encoding/binary"
	"io"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// block 尾部补零使用的数据，补零长度一定小于 HeaderSize
var zeros [HeaderSize]byte

// 预写日志写入口. 不加锁，同一个日志同一时刻只允许一个写入方
type Writer struct {
	dest        io.Writer
	blockSize   int
	blockOffset int              // 当前 block 内已写入的大小
	header      [HeaderSize]byte // 辅助转移 header 使用的临时缓冲区
}

// 构造器. 续写已有日志时需要通过 WithOffset 指定已有数据的长度
func NewWriter(dest io.Writer, opts ...Option) (*Writer, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Writer{
		dest:        dest,
		blockSize:   o.blockSize,
		blockOffset: o.blockOffset(),
	}, nil
}

// 写入一条记录，返回写入的总字节数（包含帧 header 和 block 尾部补零）.
// 空记录也会写入一个长度为 0 的 Full 帧. 写入失败时不做回滚，残缺的帧由读取方识别
func (w *Writer) AddRecord(record []byte) (int, error) {
	var written int
	for first := true; first || len(record) > 0; first = false {
		// 当前 block 剩余空间放不下 header，补零后切换到下一个 block
		if spaceLeft := w.blockSize - w.blockOffset; spaceLeft < HeaderSize {
			if spaceLeft > 0 {
				n, err := w.write(zeros[:spaceLeft])
				written += n
				if err != nil {
					return written, errs.IOFailure(err, "wal: pad block")
				}
			}
			w.blockOffset = 0
		}

		// 本帧能写入的数据长度
		fragLen := len(record)
		if avail := w.blockSize - w.blockOffset - HeaderSize; fragLen > avail {
			fragLen = avail
		}

		last := fragLen == len(record)
		var typ RecordType
		switch {
		case first && last:
			typ = Full
		case first:
			typ = First
		case last:
			typ = Last
		default:
			typ = Middle
		}

		n, err := w.emitFrame(typ, record[:fragLen])
		written += n
		if err != nil {
			return written, err
		}
		record = record[fragLen:]
	}

	return written, nil
}

// 把底层 writer 缓冲的数据刷出. 是否落盘由底层 writer 决定
func (w *Writer) Flush() error {
	if f, ok := w.dest.(interface{ Flush() error }); ok {
		return errs.IOFailure(f.Flush(), "wal: flush")
	}
	return nil
}

// 当前 block 内的偏移量
func (w *Writer) BlockOffset() int {
	return w.blockOffset
}

func (w *Writer) emitFrame(typ RecordType, data []byte) (int, error) {
	binary.LittleEndian.PutUint32(w.header[0:4], Mask(frameChecksum(typ, data)))
	binary.LittleEndian.PutUint16(w.header[4:6], uint16(len(data)))
	w.header[6] = byte(typ)

	n, err := w.write(w.header[:])
	if err == nil && len(data) > 0 {
		var m int
		m, err = w.write(data)
		n += m
	}
	if err != nil {
		return n, errs.IOFailure(err, "wal: emit frame")
	}
	return n, nil
}

func (w *Writer) write(p []byte) (int, error) {
	n, err := w.dest.Write(p)
	w.blockOffset += n
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}
