package server

import (
	"sort"
	"sync"
)

// Occupant 房间对会话的非拥有引用：房间只记录句柄，会话生命周期由连接决定
type Occupant interface {
	UserID() string
	Position() Position
	// Send 非阻塞地投递一帧；失败说明对端已不可用
	Send(frame []byte) error
	// Close 触发该会话自己的清理流程（幂等）
	Close()
}

// Room 一个空间：网格边界 + 当前在线的会话集合
type Room struct {
	ID   string
	Spec RoomSpec

	mu        sync.Mutex
	occupants map[Occupant]struct{}
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, spec RoomSpec) *Room {
	spec.ID = id
	return &Room{
		ID:        id,
		Spec:      spec,
		occupants: make(map[Occupant]struct{}),
	}
}

// 以下 *Locked 方法要求调用方已持有 r.mu

func (r *Room) addLocked(o Occupant) bool {
	if _, ok := r.occupants[o]; ok {
		return false
	}
	r.occupants[o] = struct{}{}
	return true
}

func (r *Room) removeLocked(o Occupant) bool {
	if _, ok := r.occupants[o]; !ok {
		return false
	}
	delete(r.occupants, o)
	return true
}

func (r *Room) snapshotLocked(except Occupant) []UserState {
	users := make([]UserState, 0, len(r.occupants))
	for o := range r.occupants {
		if o == except {
			continue
		}
		p := o.Position()
		users = append(users, UserState{UserID: o.UserID(), X: p.X, Y: p.Y})
	}
	return users
}

// deliverLocked 投递给除 except 外的所有人，返回投递失败的会话；单个失败不影响其他人
func (r *Room) deliverLocked(except Occupant, frame []byte) (delivered int, failed []Occupant) {
	for o := range r.occupants {
		if o == except {
			continue
		}
		if err := o.Send(frame); err != nil {
			failed = append(failed, o)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Occupants 返回当前在线玩家（按 userId 排序，便于展示）
func (r *Room) Occupants() []UserState {
	r.mu.Lock()
	users := r.snapshotLocked(nil)
	r.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Len 当前人数
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupants)
}
