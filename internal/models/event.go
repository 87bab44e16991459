package models

import (
	"time"
)

// EventType 镜像事件类型
type EventType string

const (
	EventTypeUplink   EventType = "rx"
	EventTypeStats    EventType = "stat"
	EventTypeDownlink EventType = "tx"
)

// Event 发布到 NATS/MQTT 的网关事件
type Event struct {
	Type      EventType   `json:"type"`
	GatewayID string      `json:"gatewayID"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}
