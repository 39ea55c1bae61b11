package server

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn 记录投递的帧；failSends 为 true 时模拟出站队列已满
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closes    int
	failSends bool
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.failSends {
		return ErrSendBufferFull
	}
	c.frames = append(c.frames, b)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFailSends(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = v
}

type wireMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// take 取出并清空已记录的消息
func (c *fakeConn) take(t *testing.T) []wireMsg {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()
	out := make([]wireMsg, 0, len(frames))
	for _, f := range frames {
		var m wireMsg
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func decodePayload[T any](t *testing.T, m wireMsg) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.Payload, &v))
	return v
}

// fakeOccupant 直接实现 Occupant，用于单独测试 Registry
type fakeOccupant struct {
	id   string
	pos  Position
	conn *fakeConn

	mu     sync.Mutex
	closes int
}

func newOccupant(id string, x, y int) *fakeOccupant {
	return &fakeOccupant{id: id, pos: Position{X: x, Y: y}, conn: &fakeConn{}}
}

func (o *fakeOccupant) UserID() string          { return o.id }
func (o *fakeOccupant) Position() Position      { return o.pos }
func (o *fakeOccupant) Send(frame []byte) error { return o.conn.Send(frame) }

func (o *fakeOccupant) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
}

func (o *fakeOccupant) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}

func fixedSpawn(x, y int) SpawnFunc {
	return func(RoomSpec) Position { return Position{X: x, Y: y} }
}

func joinFrame(space, user string) []byte {
	b, _ := json.Marshal(map[string]any{"type": "join", "payload": map[string]string{"spaceId": space, "userId": user}})
	return b
}

func moveFrame(x, y int) []byte {
	b, _ := json.Marshal(map[string]any{"type": "move", "payload": map[string]int{"x": x, "y": y}})
	return b
}
