package server

import (
	"sync/atomic"
)

// Metrics 记录运行期的关键指标（用于监控与调试）
type Metrics struct {
	SessionsOpened    int64 // 已接受的连接
	SessionsClosed    int64 // 完成清理的会话
	JoinsAccepted     int64
	JoinsRefused      int64 // 缺少 userId 被关闭的连接
	MovesAccepted     int64
	MovesRejected     int64 // 回复了 movement-rejected 的移动
	MessagesDiscarded int64 // 格式错误、未知类型或当前状态下无效的消息
	SendFailures      int64 // 出站队列满或连接已关闭
}

func (m *Metrics) IncSessionsOpened()    { atomic.AddInt64(&m.SessionsOpened, 1) }
func (m *Metrics) IncSessionsClosed()    { atomic.AddInt64(&m.SessionsClosed, 1) }
func (m *Metrics) IncJoinsAccepted()     { atomic.AddInt64(&m.JoinsAccepted, 1) }
func (m *Metrics) IncJoinsRefused()      { atomic.AddInt64(&m.JoinsRefused, 1) }
func (m *Metrics) IncMovesAccepted()     { atomic.AddInt64(&m.MovesAccepted, 1) }
func (m *Metrics) IncMovesRejected()     { atomic.AddInt64(&m.MovesRejected, 1) }
func (m *Metrics) IncMessagesDiscarded() { atomic.AddInt64(&m.MessagesDiscarded, 1) }
func (m *Metrics) IncSendFailures()      { atomic.AddInt64(&m.SendFailures, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	opened := atomic.LoadInt64(&m.SessionsOpened)
	closed := atomic.LoadInt64(&m.SessionsClosed)
	return map[string]any{
		"sessions_opened":    opened,
		"sessions_closed":    closed,
		"sessions_live":      opened - closed,
		"joins_accepted":     atomic.LoadInt64(&m.JoinsAccepted),
		"joins_refused":      atomic.LoadInt64(&m.JoinsRefused),
		"moves_accepted":     atomic.LoadInt64(&m.MovesAccepted),
		"moves_rejected":     atomic.LoadInt64(&m.MovesRejected),
		"messages_discarded": atomic.LoadInt64(&m.MessagesDiscarded),
		"send_failures":      atomic.LoadInt64(&m.SendFailures),
	}
}
