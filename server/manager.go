package server

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 进程内唯一的共享可变结构：roomId → 在线会话集合。
// 房间表由 mu 保护，每个房间的成员集合由各自的 Room.mu 保护。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	defaultSpec RoomSpec
	specs       map[string]RoomSpec

	log     *zap.SugaredLogger
	metrics *Metrics
}

// NewRegistry 创建注册表。specs 中没有的房间使用 defaultSpec 的尺寸
func NewRegistry(defaultSpec RoomSpec, specs map[string]RoomSpec, log *zap.SugaredLogger, metrics *Metrics) *Registry {
	if specs == nil {
		specs = make(map[string]RoomSpec)
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		defaultSpec: defaultSpec,
		specs:       specs,
		log:         log,
		metrics:     metrics,
	}
}

// Spec 返回房间的网格定义
func (g *Registry) Spec(roomID string) RoomSpec {
	spec, ok := g.specs[roomID]
	if !ok {
		spec = g.defaultSpec
	}
	spec.ID = roomID
	return spec
}

// GetOrCreateRoom 获取或创建房间；房间创建后在进程生命周期内一直存在
func (g *Registry) GetOrCreateRoom(id string) *Room {
	g.mu.RLock()
	r, ok := g.rooms[id]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.rooms[id]; !ok {
		r = NewRoom(id, g.Spec(id))
		g.rooms[id] = r
		g.log.Infow("room created", "room", id, "width", r.Spec.Width, "height", r.Spec.Height)
	}
	return r
}

// Room 查找已存在的房间
func (g *Registry) Room(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Rooms 所有房间，按 id 排序
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Register 把会话加入房间（不存在则创建），返回不含该会话自身的成员快照
func (g *Registry) Register(o Occupant, roomID string) []UserState {
	r := g.GetOrCreateRoom(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(o)
	return r.snapshotLocked(o)
}

// Deregister 把会话移出房间；已不在房间时为 no-op，返回是否真的移除
func (g *Registry) Deregister(o Occupant, roomID string) bool {
	r, ok := g.Room(roomID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(o)
}

// BroadcastExcept 发给房间内除 except 外的所有人，返回成功投递数。
// 投递失败的对端在释放房间锁之后走它自己的关闭流程。
func (g *Registry) BroadcastExcept(roomID string, except Occupant, msg Outbound) (int, error) {
	frame, err := msg.Encode()
	if err != nil {
		return 0, err
	}
	r, ok := g.Room(roomID)
	if !ok {
		return 0, nil
	}
	r.mu.Lock()
	delivered, failed := r.deliverLocked(except, frame)
	r.mu.Unlock()

	g.dropPeers(roomID, failed)
	return delivered, nil
}

// Join 在同一次持锁内完成：注册、给新会话回 space-joined、向其他人广播 user-joined。
// 这样并发加入的两个会话要么出现在对方的快照里，要么收到对方的 user-joined，不会两者都有或都没有。
func (g *Registry) Join(o Occupant, roomID string) ([]UserState, error) {
	spawn := o.Position()
	r := g.GetOrCreateRoom(roomID)

	r.mu.Lock()
	r.addLocked(o)
	users := r.snapshotLocked(o)
	reply, err := SpaceJoined(spawn, users).Encode()
	if err != nil {
		r.removeLocked(o)
		r.mu.Unlock()
		return nil, err
	}
	announce, err := UserJoined(o.UserID(), spawn).Encode()
	if err != nil {
		r.removeLocked(o)
		r.mu.Unlock()
		return nil, err
	}
	var failed []Occupant
	if err := o.Send(reply); err != nil {
		failed = append(failed, o)
	}
	_, peers := r.deliverLocked(o, announce)
	failed = append(failed, peers...)
	r.mu.Unlock()

	g.dropPeers(roomID, failed)
	return users, nil
}

// dropPeers 让发送失败的会话走自己的关闭流程。
// Close 会重新进入 Deregister，而且调用方可能正持有自己的会话锁，所以放到独立 goroutine 中执行。
func (g *Registry) dropPeers(roomID string, failed []Occupant) {
	for _, o := range failed {
		g.metrics.IncSendFailures()
		g.log.Warnw("dropping unreachable peer", "room", roomID, "user", o.UserID())
		go o.Close()
	}
}

// Occupants 某个房间当前的成员
func (g *Registry) Occupants(roomID string) ([]UserState, error) {
	r, ok := g.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("room %q not found", roomID)
	}
	return r.Occupants(), nil
}
