package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.chat/internal/connection"
)

const (
	HeaderSize = 6 // 4 bytes length + 2 bytes frame type

	FrameTypeHeartbeat uint16 = 0
	FrameTypeEnvelope  uint16 = 10

	maxFrameSize = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

// WebTransportOptions WebTransport 监听参数
type WebTransportOptions struct {
	Addr                  string
	Path                  string
	TLSConfig             *tls.Config
	MaxIdleTimeout        time.Duration
	KeepAlivePeriod       time.Duration
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64
	Allow0RTT             bool
}

// EncodeFrame 构造帧：长度 + 类型 + 消息体
func EncodeFrame(frameType uint16, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(frame[4:6], frameType)
	copy(frame[HeaderSize:], body)
	return frame
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := binary.BigEndian.Uint16(header[4:6])
	if length > maxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}

// streamTransport 在客户端打开的双向流上收发帧。
// 写协程和心跳回复都会写流，用互斥锁保证帧不交错。
type streamTransport struct {
	mu      sync.Mutex
	stream  io.WriteCloser
	session *webtransport.Session
}

func (t *streamTransport) writeFrame(frameType uint16, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.stream.Write(EncodeFrame(frameType, body))
	return err
}

func (t *streamTransport) WriteMessage(data []byte) error {
	return t.writeFrame(FrameTypeEnvelope, data)
}

func (t *streamTransport) Close() error {
	t.stream.Close()
	if t.session != nil {
		return t.session.CloseWithError(0, "connection closed")
	}
	return nil
}

// WebTransportServer HTTP/3 上的 WebTransport 监听
type WebTransportServer struct {
	srv    *Server
	wt     *webtransport.Server
	logger *slog.Logger
}

// NewWebTransport 创建 WebTransport 监听，与 WebSocket 共享连接管理器和分发器
func (s *Server) NewWebTransport(ctx context.Context, opts WebTransportOptions) *WebTransportServer {
	quicConfig := &quic.Config{
		MaxIdleTimeout:        opts.MaxIdleTimeout,
		KeepAlivePeriod:       opts.KeepAlivePeriod,
		MaxIncomingStreams:    opts.MaxIncomingStreams,
		MaxIncomingUniStreams: opts.MaxIncomingUniStreams,
		Allow0RTT:             opts.Allow0RTT,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
	}

	w := &WebTransportServer{srv: s, logger: s.logger}
	w.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:       opts.Addr,
			TLSConfig:  opts.TLSConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, func(rw http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("WebTransport handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}

		session, err := w.wt.Upgrade(rw, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go w.handleSession(ctx, session, r.RemoteAddr, principal)
	})
	w.wt.H3.Handler = mux

	return w
}

// ListenAndServe 阻塞直到 Close
func (w *WebTransportServer) ListenAndServe() error {
	w.logger.Info("WebTransport server starting", "addr", w.wt.H3.Addr)
	return w.wt.ListenAndServe()
}

func (w *WebTransportServer) Close() error {
	return w.wt.Close()
}

func (w *WebTransportServer) handleSession(ctx context.Context, session *webtransport.Session, remoteAddr, principal string) {
	defer w.srv.wg.Done()

	// 客户端只使用第一个双向流进行所有通信
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	t := &streamTransport{stream: stream, session: session}
	conn := w.srv.attach(t, remoteAddr, principal)
	defer w.srv.detach(ctx, conn)

	w.serveStream(ctx, conn, t, stream)
}

func (w *WebTransportServer) serveStream(ctx context.Context, conn *connection.Connection, t *streamTransport, r io.Reader) {
	for {
		frameType, body, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Debug("WebTransport read ended", "conn_id", conn.ID(), "error", err)
			}
			return
		}

		switch frameType {
		case FrameTypeHeartbeat:
			conn.UpdateActive()
			if err := t.writeFrame(FrameTypeHeartbeat, nil); err != nil {
				return
			}
		case FrameTypeEnvelope:
			w.srv.dispatcher.Dispatch(ctx, conn, body)
		default:
			w.logger.Debug("Unknown frame type", "conn_id", conn.ID(), "frame_type", frameType)
		}
	}
}
