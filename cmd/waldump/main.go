package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaoxuxiansheng/lsmcore/codec"
	"github.com/xiaoxuxiansheng/lsmcore/errs"
	"github.com/xiaoxuxiansheng/lsmcore/memtable"
	"github.com/xiaoxuxiansheng/lsmcore/wal"
)

type dumpOptions struct {
	verify   bool
	block    int
	sorted   bool
	capacity int
}

func main() {
	var o dumpOptions
	flag.BoolVar(&o.verify, "verify", true, "verify frame checksums")
	flag.IntVar(&o.block, "block", wal.BlockSize, "wal block size")
	flag.BoolVar(&o.sorted, "sorted", false, "rebuild a memtable and print entries in key order")
	flag.IntVar(&o.capacity, "capacity", 64<<20, "memtable arena size used by -sorted")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: waldump [flags] <file.wal>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if err := dump(os.Stdout, logger, flag.Arg(0), o); err != nil {
		logger.WithError(err).WithField("file", flag.Arg(0)).Error("waldump failed")
		os.Exit(1)
	}
}

// 顺序读取 wal 文件中的全部记录并打印. 损坏的记录打印告警后跳过，其余错误直接返回
func dump(w io.Writer, logger logrus.FieldLogger, file string, o dumpOptions) error {
	r, err := wal.NewWALReader(file, wal.WithBlockSize(o.block), wal.WithChecksums(o.verify))
	if err != nil {
		return err
	}
	defer r.Close()

	var m *memtable.MemTable
	if o.sorted {
		if m, err = memtable.New(o.capacity); err != nil {
			return err
		}
	}

	var (
		record  []byte
		skipped int
	)
	for i := 0; ; i++ {
		record, err = r.Read(record)
		if err == io.EOF {
			break
		}
		if err == nil {
			err = handleRecord(w, m, record)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrCorruption) {
			return errors.Wrapf(err, "record %d", i)
		}
		skipped++
		logger.WithError(err).WithField("record", i).Warn("skip corrupted record")
	}

	if m != nil {
		fields := logrus.Fields{
			"entries":   m.Len(),
			"allocated": m.Allocated(),
		}
		if f := m.Filter(); f != nil {
			fields["bloom_bits"] = f.Bits()
			fields["bloom_hashes"] = f.HashFuncs()
			fields["bloom_keys"] = f.KeyLen()
		}
		logger.WithFields(fields).Info("memtable rebuilt")
		for _, kv := range m.All() {
			key, _, err := codec.DecodeKey(kv.Key)
			if err != nil {
				return err
			}
			value, _, err := codec.DecodeValue(kv.Value)
			if err != nil {
				return err
			}
			if err = printEntry(w, key, value); err != nil {
				return err
			}
		}
	}

	if skipped > 0 {
		logger.WithField("skipped", skipped).Warn("wal contains corrupted records")
	}
	return nil
}

// 解析一条记录. 指定了 memtable 时按照 wal 回放的规则写入 memtable，否则直接打印
func handleRecord(w io.Writer, m *memtable.MemTable, record []byte) error {
	if m != nil {
		_, err := m.Replay(record)
		return err
	}
	key, value, err := codec.DecodeRecord(record)
	if err != nil {
		return err
	}
	return printEntry(w, key, value)
}

func printEntry(w io.Writer, key codec.InternalKey, value []byte) error {
	var err error
	if key.Type == codec.TypeDeletion {
		_, err = fmt.Fprintf(w, "%s %s %q\n", key.Seq, key.Type, key.UserKey)
	} else {
		_, err = fmt.Fprintf(w, "%s %s %q %q\n", key.Seq, key.Type, key.UserKey, value)
	}
	return err
}
