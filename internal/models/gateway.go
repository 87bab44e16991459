package models

import (
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// GatewayIdentity 网关身份信息，随 stat 上报
type GatewayIdentity struct {
	EUI         lorawan.EUI64 `json:"eui"`
	Description string        `json:"description"`
	Email       string        `json:"email"`
	Platform    string        `json:"platform"`
	Latitude    float64       `json:"latitude"`
	Longitude   float64       `json:"longitude"`
	Altitude    int           `json:"altitude"`
}

// StatSnapshot 按固定周期由计数器生成的统计快照
type StatSnapshot struct {
	Time time.Time `json:"time"`

	UplinkCount    uint32  `json:"uplinkCount"`   // rxnb
	UplinkValid    uint32  `json:"uplinkValid"`   // rxok
	UplinkForward  uint32  `json:"uplinkForward"` // rxfw
	AckRatio       float64 `json:"ackRatio"`      // ackr, percent
	DownlinkCount  uint32  `json:"downlinkCount"` // dwnb
	TransmitCount  uint32  `json:"transmitCount"` // txnb
	UnknownCount   uint32  `json:"unknownCount"`
	MissedDownlink uint32  `json:"missedDownlink"`

	PerSF           []uint32   `json:"perSF,omitempty"`
	PerChannelPerSF [][]uint32 `json:"perChannelPerSF,omitempty"`
}

// TrustedNodeEntry 可信节点表中的一项
type TrustedNodeEntry struct {
	DeviceAddress lorawan.DevAddr   `json:"devAddr"`
	FriendlyName  string            `json:"name,omitempty"`
	LastSeen      time.Time         `json:"lastSeen"`
	SeenSFMask    uint8             `json:"seenSFMask"`
	Configured    bool              `json:"configured"`
	AppSKey       lorawan.AES128Key `json:"-"`
	NwkSKey       lorawan.AES128Key `json:"-"`
}

// SeenSpreadingFactors expands the bitmask
func (e *TrustedNodeEntry) SeenSpreadingFactors() []lorawan.SpreadingFactor {
	var out []lorawan.SpreadingFactor
	for _, sf := range lorawan.SpreadingFactors {
		if e.SeenSFMask&sf.Bit() != 0 {
			out = append(out, sf)
		}
	}
	return out
}

// HistoryEntry 统计历史中的一条记录
type HistoryEntry struct {
	ID              string                  `json:"id"`
	Time            time.Time               `json:"time"`
	DeviceAddress   lorawan.DevAddr         `json:"devAddr"`
	Name            string                  `json:"name,omitempty"`
	FrameCounter    uint32                  `json:"fCnt"`
	SpreadingFactor lorawan.SpreadingFactor `json:"spreadingFactor"`
	Frequency       uint32                  `json:"frequency"`
	Channel         int                     `json:"channel"`
	RSSI            int                     `json:"rssi"`
	SNR             float64                 `json:"snr"`
	Size            int                     `json:"size"`
	Decoded         []byte                  `json:"decoded,omitempty"`
}
