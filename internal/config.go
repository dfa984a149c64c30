package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務器配置
type Config struct {
	// HTTP 服務配置
	HTTPPort string `yaml:"http_port"`

	// 房間配置
	Room RoomConfig `yaml:"room"`

	// 連接回收配置
	Reaper ReaperConfig `yaml:"reaper"`

	// 單連接入站消息限流（每秒消息數 / 突發量）
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

// RoomConfig 房間生命週期配置
type RoomConfig struct {
	// 每房間玩家數（雙人對戰）
	MaxPlayers int `yaml:"max_players"`

	// 開局倒數的節拍數與節拍間隔
	CountdownTicks int           `yaml:"countdown_ticks"`
	TickInterval   time.Duration `yaml:"tick_interval"`

	// game_over 後房間的保留時長（讓客戶端有時間展示結果）
	TeardownDelay time.Duration `yaml:"teardown_delay"`

	// 房間最大存活時長，超過即被定期清掃回收
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ReaperConfig 空閒連接回收配置
type ReaperConfig struct {
	// 掃描間隔
	Interval time.Duration `yaml:"interval"`

	// 心跳超過此時長未更新的連接會被關閉
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		HTTPPort: "8080",
		Room: RoomConfig{
			MaxPlayers:     2,
			CountdownTicks: 3,
			TickInterval:   1 * time.Second,
			TeardownDelay:  10 * time.Second,
			StaleAfter:     30 * time.Minute,
		},
		Reaper: ReaperConfig{
			Interval:    60 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		MessageRate:  20,
		MessageBurst: 40,
	}
}

// LoadConfig 從 YAML 文件加載配置，文件中省略的欄位保持預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置文件失敗: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失敗: %w", err)
	}
	return cfg, nil
}
