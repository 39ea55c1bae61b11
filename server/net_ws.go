package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull 对端消费太慢，出站队列已满
	ErrSendBufferFull = errors.New("send buffer full")
)

// ClientConn 负责发送（写）数据到客户端的轻量包装：有界队列 + 独立写协程
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	writeWait time.Duration
	pongWait  time.Duration
	readLimit int64
}

// NewClientConn 按配置包装一个已升级的 WebSocket 连接
func NewClientConn(ws *websocket.Conn, cfg Config) *ClientConn {
	return &ClientConn{
		ws:        ws,
		send:      make(chan []byte, cfg.SendQueueSize),
		writeWait: cfg.WriteWait,
		pongWait:  cfg.PongWait,
		readLimit: cfg.ReadLimit,
	}
}

// Send 将要发送的消息压入队列（非阻塞）；队列满时返回错误，由调用方触发该连接的清理
func (c *ClientConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 关闭发送队列；写协程写出剩余消息和关闭帧后断开底层连接。可重复调用
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *ClientConn) pingPeriod() time.Duration {
	return c.pongWait * 9 / 10
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端帧交给会话；读出错（对端关闭、超时、超长帧）时结束会话
func (c *ClientConn) readPump(s *Session) {
	defer s.Close()
	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("read error", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.discard(fmt.Errorf("%w: non-text frame", ErrMalformed))
			continue
		}
		s.HandleFrame(payload)
	}
}

// Acceptor 接入新连接并为每个连接创建会话；同时跟踪存活会话，便于进程退出时统一清理
type Acceptor struct {
	cfg      Config
	registry *Registry
	log      *zap.SugaredLogger
	metrics  *Metrics
	spawn    SpawnFunc
	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     map[*Session]struct{}
	shutdown bool
}

// NewAcceptor 创建连接接入器
func NewAcceptor(cfg Config, registry *Registry, log *zap.SugaredLogger, metrics *Metrics) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		registry: registry,
		log:      log,
		metrics:  metrics,
		spawn:    RandomSpawn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 身份由上游服务负责，这里不限制来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		live: make(map[*Session]struct{}),
	}
}

// ServeHTTP WebSocket 接入；身份与房间由连接上的第一条 join 消息确定
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	down := a.shutdown
	a.mu.Unlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnw("upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClientConn(ws, a.cfg)
	s := NewSession(client, SessionDeps{
		Registry: a.registry,
		Spawn:    a.spawn,
		Log:      a.log,
		Metrics:  a.metrics,
		OnClose:  a.untrack,
	})
	if !a.track(s) {
		_ = client.Close()
		_ = ws.Close()
		return
	}
	a.metrics.IncSessionsOpened()
	s.log.Infow("connection accepted", "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(s)
}

func (a *Acceptor) track(s *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return false
	}
	a.live[s] = struct{}{}
	return true
}

func (a *Acceptor) untrack(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, s)
}

// Live 当前存活的会话数
func (a *Acceptor) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Shutdown 拒绝新连接，并让每个存活会话走正常的关闭流程
func (a *Acceptor) Shutdown() {
	a.mu.Lock()
	a.shutdown = true
	sessions := make([]*Session, 0, len(a.live))
	for s := range a.live {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	a.log.Infow("acceptor shut down", "closed", len(sessions))
}
