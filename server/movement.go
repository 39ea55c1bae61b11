package server

import "math/rand"

// Position 网格上的整数坐标
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// IsValidStep 服务端权威的移动规则：只允许从当前位置正交移动一格
// （对角线、原地不动、瞬移、多格跳跃全部拒绝）
func IsValidStep(cur, next Position) bool {
	dx := abs(next.X - cur.X)
	dy := abs(next.Y - cur.Y)
	return (dx == 1 && dy == 0) || (dx == 0 && dy == 1)
}

// ValidMove 步长规则 + 网格边界：从边缘一步走出网格同样被拒绝
func ValidMove(spec RoomSpec, cur, next Position) bool {
	return IsValidStep(cur, next) && spec.Contains(next)
}

// SpawnFunc 为新加入的会话挑选出生点
type SpawnFunc func(spec RoomSpec) Position

// RandomSpawn 在 [0,Width) × [0,Height) 内均匀随机；不做与其他玩家的碰撞规避
func RandomSpawn(spec RoomSpec) Position {
	return Position{X: rand.Intn(spec.Width), Y: rand.Intn(spec.Height)}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
