package wal

import (
	"bytes"
	"hash/crc32"
	"io"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
)

func Test_CRC_Mask(t *testing.T) {
	sum := crc32.Checksum([]byte("abcde"), crcTable)
	assert.Equal(t, sum, Unmask(Mask(sum)))
	assert.NotEqual(t, sum, Mask(sum))
	assert.NotZero(t, Mask(0))
}

func Test_CRC_Sanity(t *testing.T) {
	// crc32c 标准测试向量
	assert.Equal(t, uint32(0x8a9136aa), crc32.Checksum(make([]byte, 32), crcTable))
	assert.Equal(t, uint32(0x62a8ab43), crc32.Checksum(bytes.Repeat([]byte{0xff}, 32), crcTable))

	// 帧的 checksum 覆盖 type 与 data
	assert.Equal(t, crc32.Checksum([]byte{byte(Full), 'a', 'b'}, crcTable), frameChecksum(Full, []byte("ab")))
}

func Test_Writer(t *testing.T) {
	data := []string{
		"hello world. My first log entry.",
		"and my second",
		"and my third",
	}

	var dest bytes.Buffer
	w, err := NewWriter(&dest)
	require.NoError(t, err)

	var totalLen int
	for _, d := range data {
		n, err := w.AddRecord([]byte(d))
		require.NoError(t, err)
		assert.Equal(t, len(d)+HeaderSize, n)
		totalLen += len(d)
	}

	assert.Equal(t, totalLen+3*HeaderSize, w.BlockOffset())
	assert.Equal(t, totalLen+3*HeaderSize, dest.Len())

	// 首个帧 header: checksum | length | type
	header := dest.Bytes()[:HeaderSize]
	expect := Mask(frameChecksum(Full, []byte(data[0])))
	assert.Equal(t, []byte{byte(expect), byte(expect >> 8), byte(expect >> 16), byte(expect >> 24)}, header[0:4])
	assert.Equal(t, []byte{byte(len(data[0])), 0}, header[4:6])
	assert.Equal(t, byte(Full), header[6])
}

func Test_Writer_Append(t *testing.T) {
	data := []string{
		"hello world. My first log entry.",
		"and my second",
		"and my third",
	}

	var full bytes.Buffer
	w, err := NewWriter(&full)
	require.NoError(t, err)
	for _, d := range data {
		_, err = w.AddRecord([]byte(d))
		require.NoError(t, err)
	}

	// 从第一条记录之后续写，得到的字节流与一次性写入完全一致
	offset := len(data[0]) + HeaderSize
	var appended bytes.Buffer
	w, err = NewWriter(&appended, WithOffset(int64(offset)))
	require.NoError(t, err)
	for _, d := range data[1:] {
		_, err = w.AddRecord([]byte(d))
		require.NoError(t, err)
	}
	assert.Equal(t, full.Bytes()[offset:], appended.Bytes())
}

func Test_Writer_EmptyRecord(t *testing.T) {
	var dest bytes.Buffer
	w, err := NewWriter(&dest)
	require.NoError(t, err)

	n, err := w.AddRecord(nil)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.Equal(t, byte(Full), dest.Bytes()[6])
	assert.Equal(t, []byte{0, 0}, dest.Bytes()[4:6])

	_, err = w.AddRecord([]byte("x"))
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(dest.Bytes()))
	require.NoError(t, err)
	record, err := r.Read(nil)
	require.NoError(t, err)
	assert.Empty(t, record)
	record, err = r.Read(record)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), record)
	_, err = r.Read(record)
	assert.Equal(t, io.EOF, err)
}

func Test_Reader(t *testing.T) {
	data := [][]byte{
		[]byte("abcdefghi"),              // fits one block of 17
		[]byte("123456789012"),           // spans two blocks of 17
		[]byte("0101010101010101010101"), // spans three blocks of 17
	}

	var dest bytes.Buffer
	w, err := NewWriter(&dest, WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	for _, d := range data {
		_, err = w.AddRecord(d)
		require.NoError(t, err)
	}
	require.Equal(t, 93, dest.Len())

	// 不做任何修改时完整回放
	r, err := NewReader(bytes.NewReader(dest.Bytes()), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	var record []byte
	for i := 0; ; i++ {
		if record, err = r.Read(record); err == io.EOF {
			assert.Equal(t, len(data), i)
			break
		}
		require.NoError(t, err)
		assert.Equal(t, data[i], record)
	}

	// 破坏第一条记录
	corrupted := bytes.Clone(dest.Bytes())
	corrupted[2]++

	r, err = NewReader(bytes.NewReader(corrupted), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))

	i := 1
	for {
		record, err = r.Read(record)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, data[i], record)
		i++
	}
	assert.Equal(t, len(data), i)
}

func Test_Reader_Frames(t *testing.T) {
	// 每个 block 只能放 10 byte 数据
	var dest bytes.Buffer
	w, err := NewWriter(&dest, WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("0101010101010101010101"))
	require.NoError(t, err)

	b := dest.Bytes()
	require.Equal(t, 22+3*HeaderSize, len(b))
	assert.Equal(t, byte(First), b[6])
	assert.Equal(t, byte(Middle), b[17+6])
	assert.Equal(t, byte(Last), b[34+6])
	assert.Equal(t, []byte{2, 0}, b[34+4:34+6])
}

func Test_Reader_LargeRecords(t *testing.T) {
	rander := rand.New(rand.NewSource(3))
	sizes := []int{0, 1, BlockSize - HeaderSize - 1, BlockSize - HeaderSize, BlockSize, 3*BlockSize + 17, 100, 1 << 20}
	var records [][]byte
	for _, size := range sizes {
		record := make([]byte, size)
		rander.Read(record)
		records = append(records, record)
	}

	var dest bytes.Buffer
	w, err := NewWriter(&dest)
	require.NoError(t, err)
	var written int
	for _, record := range records {
		n, err := w.AddRecord(record)
		require.NoError(t, err)
		written += n
	}
	assert.Equal(t, dest.Len(), written)

	r, err := NewReader(&dest)
	require.NoError(t, err)
	for _, record := range records {
		got, err := r.Read(nil)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(record, got), "record of size %d", len(record))
	}
	_, err = r.Read(nil)
	assert.Equal(t, io.EOF, err)
}

func Test_Writer_BlockPadding(t *testing.T) {
	var dest bytes.Buffer
	w, err := NewWriter(&dest)
	require.NoError(t, err)

	// 写完后 block 只剩 3 byte
	_, err = w.AddRecord(make([]byte, BlockSize-HeaderSize-3))
	require.NoError(t, err)
	assert.Equal(t, BlockSize-3, w.BlockOffset())

	n, err := w.AddRecord([]byte("next"))
	require.NoError(t, err)
	assert.Equal(t, 3+HeaderSize+4, n)
	assert.Equal(t, []byte{0, 0, 0}, dest.Bytes()[BlockSize-3:BlockSize])
	assert.Equal(t, byte(Full), dest.Bytes()[BlockSize+6])

	// 剩余空间恰好等于 header 时写入一个空的 First 帧
	dest.Reset()
	w, err = NewWriter(&dest)
	require.NoError(t, err)
	_, err = w.AddRecord(make([]byte, BlockSize-2*HeaderSize))
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, byte(First), dest.Bytes()[BlockSize-HeaderSize+6])
	assert.Equal(t, byte(Last), dest.Bytes()[BlockSize+6])

	r, err := NewReader(&dest)
	require.NoError(t, err)
	_, err = r.Read(nil)
	require.NoError(t, err)
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func writeRecords(t *testing.T, blockSize int, records ...string) []byte {
	var dest bytes.Buffer
	w, err := NewWriter(&dest, WithBlockSize(blockSize))
	require.NoError(t, err)
	for _, record := range records {
		_, err = w.AddRecord([]byte(record))
		require.NoError(t, err)
	}
	return dest.Bytes()
}

func Test_Reader_ByteFlips(t *testing.T) {
	records := []string{"hello", "world"}
	clean := writeRecords(t, BlockSize, records...)
	frameLen := HeaderSize + len(records[0])

	// 第一帧的任意一个 byte 被修改，第一次读取都会返回 corruption
	for i := 0; i < frameLen; i++ {
		corrupted := bytes.Clone(clean)
		corrupted[i] ^= 0x5a

		r, err := NewReader(bytes.NewReader(corrupted))
		require.NoError(t, err)
		_, err = r.Read(nil)
		assert.True(t, errors.Is(err, errs.ErrCorruption), "flip byte %d, got %v", i, err)
	}

	// checksum、type 与 data 被修改时，帧的边界不变，后续记录可以继续读取
	for _, i := range []int{0, 3, 6, HeaderSize, frameLen - 1} {
		corrupted := bytes.Clone(clean)
		corrupted[i] ^= 0x5a

		r, err := NewReader(bytes.NewReader(corrupted))
		require.NoError(t, err)
		_, err = r.Read(nil)
		require.True(t, errors.Is(err, errs.ErrCorruption))
		got, err := r.Read(nil)
		require.NoError(t, err, "flip byte %d", i)
		assert.Equal(t, []byte("world"), got)
	}
}

func Test_Reader_NoChecksums(t *testing.T) {
	clean := writeRecords(t, BlockSize, "hello", "world")

	// checksum 被修改
	corrupted := bytes.Clone(clean)
	corrupted[1] ^= 0xff
	r, err := NewReader(bytes.NewReader(corrupted), WithChecksums(false))
	require.NoError(t, err)
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// data 被修改
	corrupted = bytes.Clone(clean)
	corrupted[HeaderSize] = 'j'
	r, err = NewReader(bytes.NewReader(corrupted), WithChecksums(false))
	require.NoError(t, err)
	got, err = r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("jello"), got)
	got, err = r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	// 同样的数据开启校验时返回 corruption
	r, err = NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

func Test_Reader_Truncated(t *testing.T) {
	clean := writeRecords(t, HeaderSize+10, "abc", "0123456789abcdef")

	// 截断在帧 header 中间
	r, err := NewReader(bytes.NewReader(clean[:HeaderSize+3+2]), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	_, err = r.Read(nil)
	assert.Equal(t, io.EOF, err)

	// 截断在帧 data 中间
	r, err = NewReader(bytes.NewReader(clean[:len(clean)-1]), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = r.Read(nil)
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))

	// 截断在两个分片之间
	r, err = NewReader(bytes.NewReader(clean[:len(clean)-HeaderSize-6]), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = r.Read(nil)
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	// 空日志
	r, err = NewReader(bytes.NewReader(nil))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.Equal(t, io.EOF, err)
}

func Test_Reader_MissingLastFragment(t *testing.T) {
	// 写入 First 帧后崩溃，重启后续写了一条完整记录
	var dest bytes.Buffer
	w, err := NewWriter(&dest, WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("0123456789abcdef"))
	require.NoError(t, err)
	full := bytes.Clone(dest.Bytes())
	torn := bytes.Clone(full[:HeaderSize+10])

	dest.Reset()
	dest.Write(torn)
	w, err = NewWriter(&dest, WithBlockSize(HeaderSize+10), WithOffset(int64(len(torn))))
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("abc"))
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(dest.Bytes()), WithBlockSize(HeaderSize+10))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	_, err = r.Read(nil)
	assert.Equal(t, io.EOF, err)

	// 孤立的 Last 帧
	r, err = NewReader(bytes.NewReader(full[HeaderSize+10:]), WithBlockSize(HeaderSize+10), WithOffset(HeaderSize+10))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	_, err = r.Read(nil)
	assert.Equal(t, io.EOF, err)

	// 不校验时孤立的 Last 帧按照完整记录返回
	r, err = NewReader(bytes.NewReader(full[HeaderSize+10:]), WithBlockSize(HeaderSize+10), WithOffset(HeaderSize+10), WithChecksums(false))
	require.NoError(t, err)
	got, err = r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
}

type failWriter struct {
	limit int
}

func (f *failWriter) Write(p []byte) (int, error) {
	if len(p) > f.limit {
		n := f.limit
		f.limit = 0
		return n, errors.New("disk full")
	}
	f.limit -= len(p)
	return len(p), nil
}

func Test_Writer_IOFailure(t *testing.T) {
	w, err := NewWriter(&failWriter{limit: 10})
	require.NoError(t, err)
	n, err := w.AddRecord([]byte("0123456789"))
	assert.True(t, errors.Is(err, errs.ErrIO))
	assert.Equal(t, 10, n)
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, errors.New("device gone")
}

func Test_Reader_IOFailure(t *testing.T) {
	r, err := NewReader(failReader{})
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrIO))
	assert.False(t, errors.Is(err, errs.ErrCorruption))
}

func Test_Options_Invalid(t *testing.T) {
	for _, blockSize := range []int{0, HeaderSize, HeaderSize + 1<<16} {
		_, err := NewWriter(io.Discard, WithBlockSize(blockSize))
		assert.True(t, errors.Is(err, errs.ErrInvalidInput), "block size %d", blockSize)
		_, err = NewReader(bytes.NewReader(nil), WithBlockSize(blockSize))
		assert.True(t, errors.Is(err, errs.ErrInvalidInput), "block size %d", blockSize)
	}
	_, err := NewWriter(io.Discard, WithOffset(-1))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = NewWriter(io.Discard, WithBlockSize(HeaderSize+1))
	assert.NoError(t, err)
}

func Test_Reader_CorruptedFragments(t *testing.T) {
	// 第一条记录分为 First/Middle/Last 三个帧
	clean := writeRecords(t, HeaderSize+10, "0101010101010101010101", "abc", "0123456789abcdef")

	for _, i := range []int{
		// First 帧的 checksum
		2,
		// First 帧的 data
		HeaderSize + 3,
		// Middle 帧的 data
		17 + HeaderSize + 1,
	} {
		corrupted := bytes.Clone(clean)
		corrupted[i] ^= 0xff

		r, err := NewReader(bytes.NewReader(corrupted), WithBlockSize(HeaderSize+10))
		require.NoError(t, err)

		// 一条损坏的记录只返回一次 corruption，剩余分片被丢弃
		_, err = r.Read(nil)
		assert.True(t, errors.Is(err, errs.ErrCorruption), "flip byte %d", i)
		got, err := r.Read(nil)
		require.NoError(t, err, "flip byte %d", i)
		assert.Equal(t, []byte("abc"), got)
		got, err = r.Read(got)
		require.NoError(t, err)
		assert.Equal(t, []byte("0123456789abcdef"), got)
		_, err = r.Read(got)
		assert.Equal(t, io.EOF, err)
	}

	// 没有前置 corruption 的孤立分片依然返回 corruption
	r, err := NewReader(bytes.NewReader(clean[17:]), WithBlockSize(HeaderSize+10), WithOffset(17))
	require.NoError(t, err)
	_, err = r.Read(nil)
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
