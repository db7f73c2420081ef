package codec

import "github.com/xiaoxuxiansheng/lsmcore/errs"

// wal 中每条记录由编码后的 internal key 与 internal value 拼接而成. 结果追加到 dst[:0]
func AppendRecord(dst []byte, seq SeqNum, t ValueType, userKey, value []byte) ([]byte, error) {
	dst, err := AppendKey(dst[:0], seq, t, userKey)
	if err != nil {
		return nil, err
	}
	return AppendValue(dst, value), nil
}

// 解析一条 wal 记录. 记录必须恰好由一个 key 和一个 value 组成，多余的 byte 按照损坏处理
func DecodeRecord(record []byte) (InternalKey, []byte, error) {
	key, n, err := DecodeKey(record)
	if err != nil {
		return InternalKey{}, nil, err
	}
	value, m, err := DecodeValue(record[n:])
	if err != nil {
		return InternalKey{}, nil, err
	}
	if n+m != len(record) {
		return InternalKey{}, nil, errs.Corruptionf("%d trailing bytes in wal record", len(record)-n-m)
	}
	return key, value, nil
}
