package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// UplinkRecord 解码后的上行帧，创建后不可修改
type UplinkRecord struct {
	ID              uuid.UUID               `json:"id"`
	MType           lorawan.MType           `json:"mType"`
	DeviceAddress   lorawan.DevAddr         `json:"devAddr"`
	FrameCounter    uint32                  `json:"fCnt"`
	FPort           *uint8                  `json:"fPort,omitempty"`
	SpreadingFactor lorawan.SpreadingFactor `json:"spreadingFactor"`
	Bandwidth       int                     `json:"bandwidth"`
	CodingRate      string                  `json:"codingRate"`
	Frequency       uint32                  `json:"frequency"`
	RSSI            int                     `json:"rssi"`
	SNR             float64                 `json:"snr"`
	Timestamp       time.Time               `json:"timestamp"`
	Tmst            uint32                  `json:"tmst"`
	RawPayload      []byte                  `json:"rawPayload"`
}

// HasDeviceAddress reports whether the frame carries a DevAddr (data frames do, joins don't)
func (r *UplinkRecord) HasDeviceAddress() bool {
	return r.MType.IsDataUp()
}

// DataRate returns the record's modulation as a data rate
func (r *UplinkRecord) DataRate() lorawan.DataRate {
	return lorawan.DataRate{SpreadFactor: r.SpreadingFactor, Bandwidth: r.Bandwidth}
}

// TimingMode 下行发送时机
type TimingMode int

const (
	// TimingTimestamp 按集中器计数器 tmst 发送
	TimingTimestamp TimingMode = iota
	// TimingImmediate 立即发送 (imme)
	TimingImmediate
	// TimingGPS 按 GPS 时间发送 (tmms)，单信道网关不支持
	TimingGPS
)

// DownlinkInstruction 由 PULL_RESP 解析出的下行指令
type DownlinkInstruction struct {
	Token                 uint16                  `json:"token"`
	Server                string                  `json:"server"`
	TargetFrequency       uint32                  `json:"frequency"`
	TargetSpreadingFactor lorawan.SpreadingFactor `json:"spreadingFactor"`
	Bandwidth             int                     `json:"bandwidth"`
	CodingRate            string                  `json:"codingRate"`
	Power                 int                     `json:"power"`
	InvertPolarity        bool                    `json:"invertPolarity"`
	Timing                TimingMode              `json:"timing"`
	TransmitTimestamp     uint32                  `json:"tmst"`
	Payload               []byte                  `json:"payload"`
	ReceivedAt            time.Time               `json:"receivedAt"`
}

// TxAckError TX_ACK 中的错误码
type TxAckError string

const (
	TxAckNone      TxAckError = "NONE"
	TxAckTooLate   TxAckError = "TOO_LATE"
	TxAckTooEarly  TxAckError = "TOO_EARLY"
	TxAckCollision TxAckError = "COLLISION_PACKET"
	TxAckTxFreq    TxAckError = "TX_FREQ"
	TxAckTxPower   TxAckError = "TX_POWER"
	TxAckGPS       TxAckError = "GPS_UNLOCKED"
)
