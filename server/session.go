package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 会话协议状态
type State int

const (
	StateConnected State = iota // 已连接，尚无身份与房间
	StateJoined                 // 已加入房间，持有权威位置
	StateClosed                 // 终态
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn 会话独占的传输句柄
type Conn interface {
	// Send 非阻塞投递一帧
	Send(frame []byte) error
	Close() error
}

// SessionDeps 会话依赖，由 Acceptor 注入
type SessionDeps struct {
	Registry *Registry
	Spawn    SpawnFunc
	Log      *zap.SugaredLogger
	Metrics  *Metrics
	// OnClose 清理完成后回调（Acceptor 用来停止跟踪）
	OnClose func(*Session)
}

// Session 一个连接对应一个会话；服务端权威位置保存在这里
type Session struct {
	id   string
	conn Conn
	deps SessionDeps
	log  *zap.SugaredLogger

	// lifeMu 串行化状态迁移（join、move、close），持有时可以再拿房间锁
	lifeMu sync.Mutex

	// mu 保护其他会话在房间锁下会读取的字段，持有时不得再拿任何锁
	mu     sync.Mutex
	state  State
	userID string
	roomID string
	spec   RoomSpec
	pos    Position

	closeOnce sync.Once
}

// NewSession 为新接受的连接创建会话
func NewSession(conn Conn, deps SessionDeps) *Session {
	if deps.Spawn == nil {
		deps.Spawn = RandomSpawn
	}
	if deps.Metrics == nil {
		deps.Metrics = &Metrics{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	id := uuid.NewString()
	return &Session{
		id:    id,
		conn:  conn,
		deps:  deps,
		log:   deps.Log.With("session", id),
		state: StateConnected,
	}
}

// ID 进程内唯一的会话标识，仅用于内部记录
func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Position 当前权威位置
func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Send 投递到本会话的出站队列
func (s *Session) Send(frame []byte) error {
	return s.conn.Send(frame)
}

// HandleFrame 处理一条入站帧。同一连接上的帧按顺序依次调用
func (s *Session) HandleFrame(frame []byte) {
	msg, err := ParseInbound(frame)
	if err != nil {
		s.discard(err)
		return
	}
	switch m := msg.(type) {
	case JoinRequest:
		s.handleJoin(m)
	case MoveRequest:
		s.handleMove(m)
	}
}

func (s *Session) discard(err error) {
	s.deps.Metrics.IncMessagesDiscarded()
	s.log.Debugw("message discarded", "error", err)
}

var (
	errAlreadyJoined = errors.New("join after join")
	errNotJoined     = errors.New("move before join")
)

func (s *Session) handleJoin(m JoinRequest) {
	s.lifeMu.Lock()
	if s.State() != StateConnected {
		s.lifeMu.Unlock()
		s.discard(errAlreadyJoined)
		return
	}
	if m.UserID == "" {
		s.lifeMu.Unlock()
		s.deps.Metrics.IncJoinsRefused()
		s.log.Infow("join without userId, closing")
		s.Close()
		return
	}

	spec := s.deps.Registry.Spec(m.SpaceID)
	spawn := s.deps.Spawn(spec)
	s.mu.Lock()
	s.userID = m.UserID
	s.roomID = m.SpaceID
	s.spec = spec
	s.pos = spawn
	s.state = StateJoined
	s.mu.Unlock()
	s.log = s.log.With("user", m.UserID, "room", m.SpaceID)

	users, err := s.deps.Registry.Join(s, m.SpaceID)
	s.lifeMu.Unlock()
	if err != nil {
		s.log.Errorw("join failed", "error", err)
		s.Close()
		return
	}
	s.deps.Metrics.IncJoinsAccepted()
	s.log.Infow("joined", "x", spawn.X, "y", spawn.Y, "peers", len(users))
}

func (s *Session) handleMove(m MoveRequest) {
	s.lifeMu.Lock()
	if s.State() != StateJoined {
		s.lifeMu.Unlock()
		s.discard(errNotJoined)
		return
	}

	s.mu.Lock()
	cur := s.pos
	accepted := ValidMove(s.spec, cur, m.To)
	if accepted {
		s.pos = m.To
	}
	userID, roomID := s.userID, s.roomID
	s.mu.Unlock()

	var err error
	if accepted {
		_, err = s.deps.Registry.BroadcastExcept(roomID, s, Movement(userID, m.To))
		s.deps.Metrics.IncMovesAccepted()
	} else {
		err = s.reply(MovementRejected(cur))
		s.deps.Metrics.IncMovesRejected()
		s.log.Debugw("move rejected", "from", cur, "to", m.To)
	}
	s.lifeMu.Unlock()

	if err != nil {
		s.log.Warnw("send failed", "error", err)
		if !accepted {
			s.Close()
		}
	}
}

func (s *Session) reply(msg Outbound) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.conn.Send(frame)
}

// Close 终止会话：若已加入则移出房间并通知其他人，然后释放连接。
// 无论由对端关闭、传输错误还是进程退出触发，清理都只执行一次。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.mu.Lock()
		wasJoined := s.state == StateJoined
		s.state = StateClosed
		userID, roomID := s.userID, s.roomID
		s.mu.Unlock()

		if wasJoined && s.deps.Registry.Deregister(s, roomID) {
			if _, err := s.deps.Registry.BroadcastExcept(roomID, s, UserLeft(userID)); err != nil {
				s.log.Errorw("broadcast user-left failed", "error", err)
			}
		}
		s.lifeMu.Unlock()

		if err := s.conn.Close(); err != nil {
			s.log.Debugw("close conn", "error", err)
		}
		s.log.Infow("session closed", "joined", wasJoined)
		s.deps.Metrics.IncSessionsClosed()
		if s.deps.OnClose != nil {
			s.deps.OnClose(s)
		}
	})
}
