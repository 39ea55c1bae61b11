package server

import (
	"encoding/json"
	"net/http"
)

// Admin 只读的管理与监控接口
type Admin struct {
	Registry *Registry
	Metrics  *Metrics
	Acceptor *Acceptor
}

type roomView struct {
	Room      string      `json:"room"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	Occupants []UserState `json:"occupants"`
}

func viewOf(r *Room) roomView {
	return roomView{Room: r.ID, Width: r.Spec.Width, Height: r.Spec.Height, Occupants: r.Occupants()}
}

// HandleRooms 查看房间边界与在线玩家
// GET /admin/rooms            所有房间
// GET /admin/rooms?room=lobby-1 指定房间
func (a *Admin) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if roomID := r.URL.Query().Get("room"); roomID != "" {
		room, ok := a.Registry.Room(roomID)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, viewOf(room))
		return
	}
	rooms := a.Registry.Rooms()
	views := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, viewOf(room))
	}
	writeJSON(w, views)
}

// HandleMetrics 输出运行指标与各房间人数
// GET /metrics
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	occupancy := make(map[string]int)
	for _, room := range a.Registry.Rooms() {
		occupancy[room.ID] = room.Len()
	}
	payload := map[string]any{
		"metrics": a.Metrics.Snapshot(),
		"rooms":   occupancy,
	}
	if a.Acceptor != nil {
		payload["connections"] = a.Acceptor.Live()
	}
	writeJSON(w, payload)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
