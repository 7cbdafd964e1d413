// Package conntest 提供测试用的连接传输实现。
package conntest

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sudooom.im.chat/internal/connection"
)

var nextID atomic.Int64

// Recorder 记录所有写出的帧
type Recorder struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
	closed bool
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) WriteMessage(data []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), data...))
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Frames 已写出的帧
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

// Wait 等待至少 n 帧写出，超时则测试失败
func (r *Recorder) Wait(t testing.TB, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if frames := r.Frames(); len(frames) >= n {
			return frames
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(r.Frames()))
			return nil
		}
	}
}

// Quiet 断言在短时间内没有超过 n 帧写出
func (r *Recorder) Quiet(t testing.TB, n int) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if got := len(r.Frames()); got != n {
		t.Fatalf("expected %d frames, got %d: %s", n, got, r.Frames())
	}
}

// Decoded 把每帧解析为 map，方便断言字段
func Decoded(t testing.TB, frames [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(frames))
	for i, f := range frames {
		if err := json.Unmarshal(f, &out[i]); err != nil {
			t.Fatalf("frame %d is not JSON: %s", i, f)
		}
	}
	return out
}

// NewConn 创建一个使用 Recorder 的连接，测试结束时自动关闭
func NewConn(t testing.TB) (*connection.Connection, *Recorder) {
	t.Helper()
	rec := NewRecorder()
	conn := connection.New(nextID.Add(1), rec, "test", 64, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(conn.Close)
	return conn, rec
}

// Logger 丢弃输出的 logger
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
