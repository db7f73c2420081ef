package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// 日志文件已经被其他写入方持有
var ErrWALLocked = errors.Mark(errors.New("wal: file is locked by another writer"), errs.ErrIO)

// 预写日志文件写入口. 通过文件锁保证同一个日志文件只有一个写入方
type WALWriter struct {
	file   string        // 预写日志文件名，是包含了目录在内的路径
	dest   *os.File      // 预写日志文件
	buf    *bufio.Writer // 写缓冲区
	lock   *flock.Flock  // 文件锁，对应 file + ".lock"
	writer *Writer
}

// 构造器. 打开 wal 文件，如果文件不存在则进行创建；文件已有数据时从文件尾部续写
func NewWALWriter(file string, opts ...Option) (*WALWriter, error) {
	lock := flock.New(file + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errs.IOFailure(err, "wal: lock "+file)
	}
	if !locked {
		return nil, errors.Wrapf(ErrWALLocked, "wal: %s", file)
	}

	dest, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = lock.Unlock()
		return nil, errs.IOFailure(err, "wal: open "+file)
	}

	info, err := dest.Stat()
	if err != nil {
		_ = dest.Close()
		_ = lock.Unlock()
		return nil, errs.IOFailure(err, "wal: stat "+file)
	}

	buf := bufio.NewWriterSize(dest, BlockSize)
	writer, err := NewWriter(buf, append([]Option{WithOffset(info.Size())}, opts...)...)
	if err != nil {
		_ = dest.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &WALWriter{
		file:   file,
		dest:   dest,
		buf:    buf,
		lock:   lock,
		writer: writer,
	}, nil
}

// 写入一条记录到 wal 文件中. 数据先进入写缓冲区，需要调用 Flush/Sync 才会写入文件
func (w *WALWriter) Write(record []byte) error {
	_, err := w.writer.AddRecord(record)
	return err
}

func (w *WALWriter) Flush() error {
	return w.writer.Flush()
}

// 刷出缓冲区并落盘
func (w *WALWriter) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return errs.IOFailure(w.dest.Sync(), "wal: sync "+w.file)
}

func (w *WALWriter) File() string {
	return w.file
}

func (w *WALWriter) Close() error {
	err := w.Flush()
	err = errors.CombineErrors(err, errs.IOFailure(w.dest.Close(), "wal: close "+w.file))
	return errors.CombineErrors(err, errs.IOFailure(w.lock.Unlock(), "wal: unlock "+w.file))
}

// 预写日志文件读取口
type WALReader struct {
	file   string
	src    *os.File
	reader *Reader
}

func NewWALReader(file string, opts ...Option) (*WALReader, error) {
	src, err := os.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errs.IOFailure(err, "wal: open "+file)
	}

	reader, err := NewReader(bufio.NewReaderSize(src, BlockSize), opts...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return &WALReader{
		file:   file,
		src:    src,
		reader: reader,
	}, nil
}

// 读取下一条记录，语义同 Reader.Read
func (r *WALReader) Read(dst []byte) ([]byte, error) {
	return r.reader.Read(dst)
}

// 依次读取全部记录交给 fn，遇到第一个错误时停止. 日志正常结束时返回 nil.
// 传给 fn 的 record 在下一次回调时会被复用
func (r *WALReader) ReadAll(fn func(record []byte) error) error {
	var record []byte
	for {
		var err error
		if record, err = r.reader.Read(record); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err = fn(record); err != nil {
			return err
		}
	}
}

func (r *WALReader) File() string {
	return r.file
}

func (r *WALReader) Close() error {
	return errs.IOFailure(r.src.Close(), "wal: close "+r.file)
}
