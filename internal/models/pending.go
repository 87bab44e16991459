package models

import "time"

// RequestKind 需要确认的上行请求类型
type RequestKind uint8

const (
	RequestPush RequestKind = iota
	RequestPull
	RequestStat
)

func (k RequestKind) String() string {
	switch k {
	case RequestPush:
		return "PUSH_DATA"
	case RequestPull:
		return "PULL_DATA"
	case RequestStat:
		return "PUSH_DATA(stat)"
	}
	return "UNKNOWN"
}

// PendingRequest 等待 ACK 的请求
type PendingRequest struct {
	Token  uint16      `json:"token"`
	SentAt time.Time   `json:"sentAt"`
	Kind   RequestKind `json:"kind"`
}
