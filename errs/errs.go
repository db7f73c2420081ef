package errs

import (
	"github.com/cockroachdb/errors"
)

// 错误分类. 所有对外返回的错误都会被打上其中一个标记，调用方通过 errors.Is 判定类别
var (
	ErrInvalidInput      = errors.New("invalid input")      // 参数越界，例如 seq 溢出、重复写入同一个 internal key
	ErrResourceExhausted = errors.New("resource exhausted") // arena 空间耗尽
	ErrCorruption        = errors.New("corruption")         // 数据校验失败
	ErrIO                = errors.New("io failure")         // 底层读写失败
)

func InvalidInputf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}

func ResourceExhaustedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceExhausted)
}

func Corruptionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// 包装一个已有的错误为 corruption，保留原始错误链，例如 io.ErrUnexpectedEOF
func WrapCorruption(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrCorruption)
}

// 包装底层 io 错误. err 为 nil 时返回 nil
func IOFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrIO)
}
