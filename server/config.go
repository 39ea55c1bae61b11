package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultRoomID 参考客户端使用的默认空间
const DefaultRoomID = "lobby-1"

// RoomSpec 房间（空间）定义：网格边界
type RoomSpec struct {
	ID     string
	Width  int
	Height int
}

// Contains 判断坐标是否落在 [0,Width) × [0,Height)
func (s RoomSpec) Contains(p Position) bool {
	return p.X >= 0 && p.X < s.Width && p.Y >= 0 && p.Y < s.Height
}

// Config 服务端配置，全部来自 SPACE_* 环境变量
type Config struct {
	Addr string `env:"SPACE_ADDR" envDefault:":8000"`

	LogFile    string `env:"SPACE_LOG_FILE" envDefault:"app.log"`
	LogLevel   string `env:"SPACE_LOG_LEVEL" envDefault:"info"`
	LogStderr  bool   `env:"SPACE_LOG_STDERR" envDefault:"false"`
	LogMaxSize int    `env:"SPACE_LOG_MAX_SIZE_MB" envDefault:"10"`
	LogBackups int    `env:"SPACE_LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAge  int    `env:"SPACE_LOG_MAX_AGE_DAYS" envDefault:"7"`

	// 默认网格尺寸（未在 Rooms 中单独配置的房间都使用它）
	RoomWidth  int `env:"SPACE_ROOM_WIDTH" envDefault:"25"`
	RoomHeight int `env:"SPACE_ROOM_HEIGHT" envDefault:"15"`
	// 形如 "lobby-1=25x15,hall=40x30"
	Rooms string `env:"SPACE_ROOMS"`

	SendQueueSize int           `env:"SPACE_SEND_QUEUE" envDefault:"64"`
	WriteWait     time.Duration `env:"SPACE_WRITE_WAIT" envDefault:"5s"`
	PongWait      time.Duration `env:"SPACE_PONG_WAIT" envDefault:"60s"`
	ReadLimit     int64         `env:"SPACE_READ_LIMIT" envDefault:"4096"`
}

// LoadConfig 从环境变量读取配置并校验
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 一次性收集所有不合法的字段
func (c Config) Validate() error {
	var errs []string
	if c.Addr == "" {
		errs = append(errs, "addr must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log level must be one of [debug, info, warn, error], got %q", c.LogLevel))
	}
	if c.RoomWidth < 1 || c.RoomHeight < 1 {
		errs = append(errs, fmt.Sprintf("room size must be positive, got %dx%d", c.RoomWidth, c.RoomHeight))
	}
	if _, err := c.RoomSpecs(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("send queue must be >= 1, got %d", c.SendQueueSize))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, "write wait must be positive")
	}
	if c.PongWait < time.Second {
		errs = append(errs, fmt.Sprintf("pong wait must be >= 1s, got %s", c.PongWait))
	}
	if c.ReadLimit < 64 {
		errs = append(errs, fmt.Sprintf("read limit must be >= 64, got %d", c.ReadLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DefaultSpec 未单独配置的房间使用的尺寸
func (c Config) DefaultSpec() RoomSpec {
	return RoomSpec{Width: c.RoomWidth, Height: c.RoomHeight}
}

// RoomSpecs 解析 Rooms 字段
func (c Config) RoomSpecs() (map[string]RoomSpec, error) {
	specs := make(map[string]RoomSpec)
	if strings.TrimSpace(c.Rooms) == "" {
		return specs, nil
	}
	for _, item := range strings.Split(c.Rooms, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		spec, err := parseRoomSpec(item)
		if err != nil {
			return nil, err
		}
		if _, dup := specs[spec.ID]; dup {
			return nil, fmt.Errorf("room %q configured twice", spec.ID)
		}
		specs[spec.ID] = spec
	}
	return specs, nil
}

var errRoomSyntax = errors.New("want id=WIDTHxHEIGHT")

func parseRoomSpec(s string) (RoomSpec, error) {
	id, dims, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return RoomSpec{}, fmt.Errorf("room %q: %w", s, errRoomSyntax)
	}
	ws, hs, ok := strings.Cut(strings.ToLower(dims), "x")
	if !ok {
		return RoomSpec{}, fmt.Errorf("room %q: %w", s, errRoomSyntax)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return RoomSpec{}, fmt.Errorf("room %q width: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return RoomSpec{}, fmt.Errorf("room %q height: %w", s, err)
	}
	if w < 1 || h < 1 {
		return RoomSpec{}, fmt.Errorf("room %q: size must be positive", s)
	}
	return RoomSpec{ID: id, Width: w, Height: h}, nil
}
