package wal

import (
	"hash/crc32"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// 对 crc 做一次循环移位再加上常量. 避免全零数据的 checksum 也为零，
// 同时避免对包含 checksum 的数据再计算 checksum 时出现问题
const maskDelta = 0xa282ead8

func Mask(c uint32) uint32 {
	return (c>>15 | c<<17) + maskDelta
}

func Unmask(mc uint32) uint32 {
	rot := mc - maskDelta
	return rot>>17 | rot<<15
}

// 帧的 checksum，覆盖 type 与 data
func frameChecksum(typ RecordType, data []byte) uint32 {
	c := crc32.Update(0, crcTable, []byte{byte(typ)})
	return crc32.Update(c, crcTable, data)
}
