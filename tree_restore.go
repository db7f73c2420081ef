package lsmcore

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaoxuxiansheng/lsmcore/errs"
	"github.com/xiaoxuxiansheng/lsmcore/memtable"
	"github.com/xiaoxuxiansheng/lsmcore/wal"
)

// 读取 wal 还原出 memtable
func (t *Tree) constructMemtable() error {
	memTable, err := memtable.New(t.conf.MemTableSize,
		memtable.WithTableConstructor(t.conf.MemTableConstructor),
		memtable.WithBloomBits(t.conf.BloomBits),
	)
	if err != nil {
		return err
	}
	t.memTable = memTable

	// 1 读 wal 目录，获取所有的 wal 文件
	wals, err := t.getSortedWALFiles()
	if err != nil {
		return err
	}

	// 2 倘若 wal 文件不存在，则构造一个新的 wal 文件
	if len(wals) == 0 {
		return t.newWALWriter()
	}

	// 3 依次回放 wal 文件，最后一个 wal 文件作为读写 wal 继续追加
	var corrupted bool
	for _, file := range wals {
		fileCorrupted, err := t.restoreWAL(file)
		if err != nil {
			return err
		}
		corrupted = fileCorrupted
	}

	t.memTableIndex, _ = walFileToMemTableIndex(path.Base(wals[len(wals)-1]))
	// 最后一个 wal 尾部存在损坏的数据时，续写的记录会和损坏的帧粘连在一起，因此切换到新的 wal 文件
	if corrupted {
		t.memTableIndex++
		t.conf.Logger.WithField("wal", t.walFile()).Warn("lsmcore: last wal corrupted, switch to new wal file")
	}
	return t.newWALWriter()
}

// 获取 wal 目录下的全部 wal 文件，按照 index 升序排列. index 越大，数据越晚写入
func (t *Tree) getSortedWALFiles() ([]string, error) {
	entries, err := os.ReadDir(t.conf.walDir())
	if err != nil {
		return nil, errs.IOFailure(err, "lsmcore: read wal dir")
	}

	indexes := make(map[string]int, len(entries))
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		// 要求文件必须为 .wal 类型
		if !strings.HasSuffix(entry.Name(), ".wal") {
			continue
		}

		index, ok := walFileToMemTableIndex(entry.Name())
		if !ok {
			t.conf.Logger.WithField("file", entry.Name()).Warn("lsmcore: ignore wal file with invalid name")
			continue
		}
		indexes[entry.Name()] = index
		files = append(files, entry.Name())
	}

	sort.Slice(files, func(i, j int) bool {
		return indexes[files[i]] < indexes[files[j]]
	})

	for i := range files {
		files[i] = path.Join(t.conf.walDir(), files[i])
	}
	return files, nil
}

// 回放一个 wal 文件，返回文件中是否存在被跳过的损坏数据
func (t *Tree) restoreWAL(file string) (corrupted bool, err error) {
	walReader, err := wal.NewWALReader(file,
		wal.WithBlockSize(t.conf.WALBlockSize),
		wal.WithChecksums(t.conf.WALChecksums),
	)
	if err != nil {
		return false, err
	}
	defer walReader.Close()

	logger := t.conf.Logger.WithField("wal", file)
	var (
		record           []byte
		restored, broken int
	)
	for i := 0; ; i++ {
		if record, err = walReader.Read(record); err == nil {
			err = t.restoreRecord(record)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			restored++
			continue
		}

		// 损坏的数据在非严格模式下跳过，其余错误直接返回
		if !errors.Is(err, errs.ErrCorruption) || t.conf.StrictRecovery {
			return false, errors.Wrapf(err, "lsmcore: restore wal %s record %d", file, i)
		}
		broken++
		logger.WithError(err).WithField("record", i).Warn("lsmcore: skip corrupted wal record")
	}

	logger.WithFields(logrus.Fields{
		"restored": restored,
		"skipped":  broken,
		"seq":      t.LastSeq(),
	}).Info("lsmcore: wal restored")
	return broken > 0, nil
}

// 解析 wal 记录并写入 memtable
func (t *Tree) restoreRecord(record []byte) error {
	key, err := t.memTable.Replay(record)
	if err != nil {
		return err
	}
	if key.Seq > t.LastSeq() {
		t.seq.Store(uint64(key.Seq))
	}
	return nil
}

func (t *Tree) newWALWriter() error {
	walWriter, err := wal.NewWALWriter(t.walFile(), wal.WithBlockSize(t.conf.WALBlockSize))
	if err != nil {
		t.conf.Logger.WithError(err).WithField("wal", t.walFile()).Error("lsmcore: open wal writer")
		return err
	}
	t.walWriter = walWriter
	return nil
}
