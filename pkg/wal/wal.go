// 文件: pkg/wal/wal.go
// 变更日志的本地 WAL (Write-Ahead Log)
//
// 每条已生效的变更事件追加写入 wal.log，用于审计和离线回放。
//
// 条目格式 (小端):
//   Seq(8) + Timestamp(8) + Type(1) + DataLen(4) + Data(n) + CRC32(4)
//
// CRC32 覆盖 Seq/Timestamp/Type/Data。
// 读取时文件尾部的半截条目 (进程在写入中途退出) 视为结束，不算错误。

package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"valuation.com/pkg/portfolio"
)

// 确保实现了接口
var _ portfolio.Journal = (*WAL)(nil)

// ErrChecksum 条目校验失败
var ErrChecksum = errors.New("wal entry checksum mismatch")

// EntryType 条目类型
type EntryType uint8

const (
	EntryMutation EntryType = 1 // 组合变更 (JSON 编码的 portfolio.Event)
)

// headerSize Seq(8) + Timestamp(8) + Type(1) + DataLen(4)
const headerSize = 21

// Entry WAL 条目
type Entry struct {
	Seq       uint64
	Timestamp int64 // Unix 纳秒
	Type      EntryType
	Data      []byte
	Checksum  uint32
}

// SyncMode 同步模式
type SyncMode string

const (
	SyncAlways SyncMode = "always" // 每条都 fsync
	SyncBatch  SyncMode = "batch"  // 每条只刷到页缓存，Sync/Close 时 fsync
)

// Config WAL 配置
type Config struct {
	Dir      string   `mapstructure:"dir"`
	SyncMode SyncMode `mapstructure:"sync_mode"`
}

// DefaultConfig 默认配置
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncMode: SyncBatch}
}

// WAL 追加写的变更日志
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filename string
	syncMode SyncMode
	log      *zap.Logger

	// 复用的编码 buffer 和 CRC32 对象 (mu 保护)
	buf       []byte
	crc32Hash hash.Hash32

	lastSeq uint64
}

// Open 打开 (或创建) dir/wal.log
func Open(cfg Config, log *zap.Logger) (*WAL, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	filename := filepath.Join(cfg.Dir, "wal.log")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{
		file:      file,
		writer:    bufio.NewWriter(file),
		filename:  filename,
		syncMode:  cfg.SyncMode,
		log:       log,
		buf:       make([]byte, 256),
		crc32Hash: crc32.NewIEEE(),
	}

	// 打开时先校验一遍已有内容
	entries, err := ReadFile(filename)
	if err != nil {
		file.Close()
		return nil, err
	}
	if n := len(entries); n > 0 {
		w.lastSeq = entries[n-1].Seq
	}

	// 截掉尾部的半截条目，否则新条目会接在垃圾数据后面
	var valid int64
	for _, e := range entries {
		valid += int64(headerSize + len(e.Data) + 4)
	}
	if info, err := file.Stat(); err == nil && info.Size() > valid {
		log.Warn("truncating torn wal tail", zap.Int64("size", info.Size()), zap.Int64("valid", valid))
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate wal: %w", err)
		}
	}
	return w, nil
}

// Record 实现 portfolio.Journal，写失败只记日志
func (w *WAL) Record(ev portfolio.Event) {
	if err := w.Append(ev); err != nil {
		w.log.Warn("wal append failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

// Append 追加一条变更事件
// Seq 由聚合器分配；进程重启后会从 1 重新开始，回放时用 Timestamp 区分
func (w *WAL) Append(ev portfolio.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Seq:       ev.Seq,
		Timestamp: ev.Time.UnixNano(),
		Type:      EntryMutation,
		Data:      data,
	}
	entry.Checksum = checksum(w.crc32Hash, &entry)

	if err := w.writeEntry(&entry); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.syncMode == SyncAlways {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.lastSeq = entry.Seq
	return nil
}

// writeEntry 编码到复用 buffer 后一次写入
func (w *WAL) writeEntry(e *Entry) error {
	n := headerSize + len(e.Data) + 4
	if cap(w.buf) < n {
		w.buf = make([]byte, n*2)
	}
	b := w.buf[:n]
	binary.LittleEndian.PutUint64(b[0:], e.Seq)
	binary.LittleEndian.PutUint64(b[8:], uint64(e.Timestamp))
	b[16] = byte(e.Type)
	binary.LittleEndian.PutUint32(b[17:], uint32(len(e.Data)))
	copy(b[headerSize:], e.Data)
	binary.LittleEndian.PutUint32(b[headerSize+len(e.Data):], e.Checksum)
	_, err := w.writer.Write(b)
	return err
}

// LastSeq 最后写入的序列号
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Sync 强制刷盘
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 刷盘并关闭
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Path 日志文件路径
func (w *WAL) Path() string {
	return w.filename
}

// =============================================================================
// 读取和回放
// =============================================================================

// ReadFile 读取全部条目，文件不存在时返回空
func ReadFile(filename string) ([]Entry, error) {
	var entries []Entry
	err := Replay(filename, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Replay 按顺序回放条目，fn 返回错误时停止
func Replay(filename string, fn func(Entry) error) error {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	h := crc32.NewIEEE()
	for {
		entry, err := readEntry(reader)
		if err != nil {
			// 正常结束，或尾部半截条目
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if entry.Checksum != checksum(h, &entry) {
			return fmt.Errorf("seq %d: %w", entry.Seq, ErrChecksum)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Events 把条目解码成变更事件 (跳过未知类型)
func Events(entries []Entry) ([]portfolio.Event, error) {
	out := make([]portfolio.Event, 0, len(entries))
	for _, e := range entries {
		if e.Type != EntryMutation {
			continue
		}
		var ev portfolio.Event
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return out, fmt.Errorf("decode seq %d: %w", e.Seq, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func readEntry(r io.Reader) (Entry, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Seq:       binary.LittleEndian.Uint64(header[0:]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[8:])),
		Type:      EntryType(header[16]),
	}
	n := binary.LittleEndian.Uint32(header[17:])
	e.Data = make([]byte, n)
	if _, err := io.ReadFull(r, e.Data); err != nil {
		return Entry{}, unexpected(err)
	}
	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return Entry{}, unexpected(err)
	}
	e.Checksum = binary.LittleEndian.Uint32(sum[:])
	return e, nil
}

// unexpected 头部之后遇到 EOF 说明条目不完整
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// checksum 计算校验和 (复用 Hash 对象)
func checksum(h hash.Hash32, e *Entry) uint32 {
	h.Reset()
	var tmp [17]byte
	binary.LittleEndian.PutUint64(tmp[0:], e.Seq)
	binary.LittleEndian.PutUint64(tmp[8:], uint64(e.Timestamp))
	tmp[16] = byte(e.Type)
	h.Write(tmp[:])
	h.Write(e.Data)
	return h.Sum32()
}
