package codec

import (
	"encoding/binary"
)

// varint 编码: 小端 base-128，每个 byte 低 7 位存数据，最高位标识后续是否还有 byte

func AppendUvarint(dst []byte, x uint64) []byte {
	return binary.AppendUvarint(dst, x)
}

// 解码. n == 0 表示 buf 长度不足，n < 0 表示溢出
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// x 编码后占用的 byte 数
func UvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
