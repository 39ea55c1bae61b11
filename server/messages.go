package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 客户端 → 服务端
const (
	TypeJoin = "join"
	TypeMove = "move"
)

// 服务端 → 客户端
const (
	TypeSpaceJoined      = "space-joined"
	TypeUserJoined       = "user-joined"
	TypeMovement         = "movement"
	TypeMovementRejected = "movement-rejected"
	TypeUserLeft         = "user-left"
)

var (
	// ErrMalformed 帧不是合法 JSON，或缺少该类型要求的字段
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType 未知的 type，直接忽略
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound 入站消息的封闭集合：JoinRequest 或 MoveRequest
type Inbound interface {
	inbound()
}

// JoinRequest 加入空间。UserID 为空时由 Session 关闭连接，因此解析阶段不把它当作格式错误
type JoinRequest struct {
	SpaceID string
	UserID  string
}

// MoveRequest 客户端提议的新位置
type MoveRequest struct {
	To Position
}

func (JoinRequest) inbound() {}
func (MoveRequest) inbound() {}

// 入站帧的外层结构。参考前端把 join 的字段直接放在顶层，这里两种写法都接受
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SpaceID string          `json:"spaceId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
}

type joinPayload struct {
	SpaceID string `json:"spaceId"`
	UserID  string `json:"userId"`
}

type movePayload struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// ParseInbound 在传输边界一次性解析入站帧；字段缺失或类型不符时整条拒绝
func ParseInbound(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeJoin:
		jp := joinPayload{SpaceID: env.SpaceID, UserID: env.UserID}
		if hasPayload(env.Payload) {
			var p joinPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("%w: join payload: %v", ErrMalformed, err)
			}
			if p.SpaceID != "" {
				jp.SpaceID = p.SpaceID
			}
			if p.UserID != "" {
				jp.UserID = p.UserID
			}
		}
		if jp.UserID != "" && jp.SpaceID == "" {
			return nil, fmt.Errorf("%w: join without spaceId", ErrMalformed)
		}
		return JoinRequest{SpaceID: jp.SpaceID, UserID: jp.UserID}, nil
	case TypeMove:
		if !hasPayload(env.Payload) {
			return nil, fmt.Errorf("%w: move without payload", ErrMalformed)
		}
		var p movePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: move payload: %v", ErrMalformed, err)
		}
		if p.X == nil || p.Y == nil {
			return nil, fmt.Errorf("%w: move requires x and y", ErrMalformed)
		}
		return MoveRequest{To: Position{X: *p.X, Y: *p.Y}}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func hasPayload(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Outbound 出站消息：{"type": ..., "payload": {...}}
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// UserState 房间内其他玩家的可见状态
type UserState struct {
	UserID string `json:"userId"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type spaceJoinedPayload struct {
	Spawn Position    `json:"spawn"`
	Users []UserState `json:"users"`
}

type userLeftPayload struct {
	UserID string `json:"userId"`
}

// SpaceJoined 仅发给刚加入的客户端：出生点 + 当前房间内其他人
func SpaceJoined(spawn Position, users []UserState) Outbound {
	if users == nil {
		users = []UserState{}
	}
	return Outbound{Type: TypeSpaceJoined, Payload: spaceJoinedPayload{Spawn: spawn, Users: users}}
}

// UserJoined 广播给已在房间里的人
func UserJoined(userID string, p Position) Outbound {
	return Outbound{Type: TypeUserJoined, Payload: UserState{UserID: userID, X: p.X, Y: p.Y}}
}

// Movement 广播一次被接受的移动
func Movement(userID string, p Position) Outbound {
	return Outbound{Type: TypeMovement, Payload: UserState{UserID: userID, X: p.X, Y: p.Y}}
}

// MovementRejected 仅发给移动者，带回未改变的权威位置
func MovementRejected(p Position) Outbound {
	return Outbound{Type: TypeMovementRejected, Payload: p}
}

// UserLeft 广播离开
func UserLeft(userID string) Outbound {
	return Outbound{Type: TypeUserLeft, Payload: userLeftPayload{UserID: userID}}
}

// Encode 序列化为文本帧
func (m Outbound) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}
