package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const schemaVersion = 1

// Emittable is implemented by every record type through the embedded BaseEvent.
type Emittable interface {
	Base() *BaseEvent
}

// Recorder appends JSON records to a size-rotated file.
type Recorder struct {
	mu     sync.Mutex
	writer io.WriteCloser
	seq    uint64

	toolName    string
	toolVersion string
	hostID      string
}

type Config struct {
	Dir         string
	MaxMB       int
	MaxFiles    int
	ToolName    string
	ToolVersion string
	HostID      string
}

func New(cfg Config) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.Dir, cfg.ToolName+".jsonl")
	lj := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxMB,
		MaxBackups: cfg.MaxFiles,
		Compress:   false,
	}

	return &Recorder{
		writer:      lj,
		toolName:    cfg.ToolName,
		toolVersion: cfg.ToolVersion,
		hostID:      cfg.HostID,
	}, nil
}

func (r *Recorder) Close() error {
	if r == nil || r.writer == nil {
		return nil
	}

	return r.writer.Close()
}

func (r *Recorder) Emit(record Emittable) error {
	if r == nil || r.writer == nil {
		return fmt.Errorf("recorder not initialized")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.seq++

	base := record.Base()
	base.TSUTC = now.Format(time.RFC3339Nano)
	base.TSUnixMS = now.UnixMilli()
	base.Seq = r.seq
	base.SchemaVersion = schemaVersion
	base.ToolName = r.toolName
	base.ToolVersion = r.toolVersion
	base.HostID = r.hostID
	base.ClockSource = "system"

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}

	b = append(b, '\n')

	_, err = r.writer.Write(b)
	return err
}
