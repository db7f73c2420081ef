package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

// SeqNum 是单调递增的版本号. 编码时会左移 8 位和 ValueType 拼成一个 uint64，因此最大只能到 2^56-1
type SeqNum uint64

const (
	SeqNumZero SeqNum = 0
	SeqNumMax  SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// 写入类型. 数值属于编码格式的一部分，不能修改
type ValueType uint8

const (
	TypeDeletion ValueType = 0
	TypeValue    ValueType = 1
)

func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DEL"
	case TypeValue:
		return "SET"
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(t))
}

// SafeFormat implements redact.SafeFormatter.
func (t ValueType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

func (t ValueType) valid() bool {
	return t == TypeDeletion || t == TypeValue
}

// internal key 尾部 seq + type 固定占用 8 byte
const TrailerLen = 8

// internal key 的逻辑结构
type InternalKey struct {
	UserKey []byte
	Seq     SeqNum
	Type    ValueType
}

func (k InternalKey) Encode() ([]byte, error) {
	return EncodeKey(k.Seq, k.Type, k.UserKey)
}

// 编码 internal key: varint(len(userKey)+8) | userKey | LE64(type | seq<<8)
func EncodeKey(seq SeqNum, t ValueType, userKey []byte) ([]byte, error) {
	size := len(userKey) + TrailerLen
	return AppendKey(make([]byte, 0, UvarintLen(uint64(size))+size), seq, t, userKey)
}

// 把 internal key 追加到 dst 尾部
func AppendKey(dst []byte, seq SeqNum, t ValueType, userKey []byte) ([]byte, error) {
	if seq > SeqNumMax {
		return nil, errs.InvalidInputf("seq %d exceeds max %d", seq, SeqNumMax)
	}
	if !t.valid() {
		return nil, errs.InvalidInputf("unknown value type %d", uint8(t))
	}

	dst = AppendUvarint(dst, uint64(len(userKey)+TrailerLen))
	dst = append(dst, userKey...)
	return binary.LittleEndian.AppendUint64(dst, uint64(t)|uint64(seq)<<8), nil
}

// 编码 internal value: varint(len(payload)) | payload
func EncodeValue(payload []byte) []byte {
	return AppendValue(make([]byte, 0, UvarintLen(uint64(len(payload)))+len(payload)), payload)
}

func AppendValue(dst, payload []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// 从 buf 头部解析出 internal key，返回值 n 为消费的 byte 数. 返回的 UserKey 引用 buf 中的内存
func DecodeKey(buf []byte) (InternalKey, int, error) {
	size, n := Uvarint(buf)
	if n <= 0 {
		return InternalKey{}, 0, errs.Corruptionf("bad internal key length prefix")
	}
	if size < TrailerLen {
		return InternalKey{}, 0, errs.Corruptionf("internal key length %d shorter than trailer", size)
	}
	if uint64(len(buf)-n) < size {
		return InternalKey{}, 0, errs.Corruptionf("internal key length %d exceeds buffer %d", size, len(buf)-n)
	}

	body := buf[n : n+int(size)]
	userKeyLen := len(body) - TrailerLen
	trailer := binary.LittleEndian.Uint64(body[userKeyLen:])
	key := InternalKey{
		UserKey: body[:userKeyLen],
		Seq:     SeqNum(trailer >> 8),
		Type:    ValueType(trailer & 0xff),
	}
	if !key.Type.valid() {
		return InternalKey{}, 0, errs.Corruptionf("unknown value type %d", uint8(key.Type))
	}
	return key, n + int(size), nil
}

// 从 buf 头部解析出 internal value. 返回的 payload 引用 buf 中的内存
func DecodeValue(buf []byte) ([]byte, int, error) {
	size, n := Uvarint(buf)
	if n <= 0 {
		return nil, 0, errs.Corruptionf("bad internal value length prefix")
	}
	if uint64(len(buf)-n) < size {
		return nil, 0, errs.Corruptionf("internal value length %d exceeds buffer %d", size, len(buf)-n)
	}
	return buf[n : n+int(size)], n + int(size), nil
}
