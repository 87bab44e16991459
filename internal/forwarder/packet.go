package forwarder

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Semtech UDP 协议常量
const ProtocolVersion = 2

// PacketType 消息类型
type PacketType byte

const (
	PushData PacketType = 0x00
	PushAck  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullAck  PacketType = 0x04
	TxAck    PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	}
	return fmt.Sprintf("PacketType(%#x)", byte(t))
}

// Packet errors
var (
	ErrInvalidPacket = errors.New("forwarder: invalid packet")
	ErrVersion       = errors.New("forwarder: unsupported protocol version")
)

// HeaderSize is version + token + type
const HeaderSize = 4

// Header is the common 4-byte prefix of every datagram
type Header struct {
	Version uint8
	Token   uint16
	Type    PacketType
}

// EncodeHeader writes the header; the token is big-endian
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Version
	binary.BigEndian.PutUint16(b[1:3], h.Token)
	b[3] = byte(h.Type)
	return b
}

// DecodeHeader parses the header of a datagram
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(b))
	}
	h := Header{
		Version: b[0],
		Token:   binary.BigEndian.Uint16(b[1:3]),
		Type:    PacketType(b[3]),
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

func withEUI(t PacketType, token uint16, eui lorawan.EUI64, body []byte) []byte {
	b := EncodeHeader(Header{Version: ProtocolVersion, Token: token, Type: t})
	b = append(b, eui[:]...)
	return append(b, body...)
}

// NewPushData builds a PUSH_DATA datagram
func NewPushData(token uint16, eui lorawan.EUI64, body []byte) []byte {
	return withEUI(PushData, token, eui, body)
}

// NewPullData builds a PULL_DATA datagram
func NewPullData(token uint16, eui lorawan.EUI64) []byte {
	return withEUI(PullData, token, eui, nil)
}

// NewTxAck builds a TX_ACK datagram
func NewTxAck(token uint16, eui lorawan.EUI64, body []byte) []byte {
	return withEUI(TxAck, token, eui, body)
}

// RXPK is one received packet in a PUSH_DATA body
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int8    `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// Stat is the gateway status in a PUSH_DATA body
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati,omitempty"`
	Long float64 `json:"long,omitempty"`
	Alti int     `json:"alti,omitempty"`
	RXNb uint32  `json:"rxnb"`
	RXOk uint32  `json:"rxok"`
	RXFw uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
	Pfrm string  `json:"pfrm,omitempty"`
	Mail string  `json:"mail,omitempty"`
	Desc string  `json:"desc,omitempty"`
}

// PushDataPayload is the JSON body of PUSH_DATA
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// TXPK is the transmit request of a PULL_RESP body
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Tmms *uint64 `json:"tmms,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe int     `json:"powe,omitempty"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Prea int     `json:"prea,omitempty"`
	Size int     `json:"size"`
	Data string  `json:"data"`
	NCRC bool    `json:"ncrc,omitempty"`
}

// PullRespPayload is the JSON body of PULL_RESP
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TxpkAck reports the fate of a downlink
type TxpkAck struct {
	Error string `json:"error"`
}

// TxAckPayload is the JSON body of TX_ACK
type TxAckPayload struct {
	TxpkAck TxpkAck `json:"txpk_ack"`
}

// MHz converts Hz to the protocol's MHz representation
func MHz(hz uint32) float64 {
	return float64(hz) / 1e6
}

// Hz converts a protocol frequency in MHz back to Hz
func Hz(mhz float64) uint32 {
	return uint32(math.Round(mhz * 1e6))
}

// NewRXPK converts an uplink record to its rxpk form
func NewRXPK(rec *models.UplinkRecord, channel int) RXPK {
	ch := uint8(0)
	if channel > 0 {
		ch = uint8(channel)
	}
	codr := rec.CodingRate
	if codr == "" {
		codr = "4/5"
	}
	return RXPK{
		Time: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Tmst: rec.Tmst,
		Chan: ch,
		Freq: MHz(rec.Frequency),
		Stat: 1,
		Modu: "LORA",
		Datr: rec.DataRate().String(),
		Codr: codr,
		RSSI: rec.RSSI,
		LSNR: rec.SNR,
		Size: len(rec.RawPayload),
		Data: base64.StdEncoding.EncodeToString(rec.RawPayload),
	}
}

// NewStat builds the stat object from a snapshot and the gateway identity
func NewStat(s models.StatSnapshot, id models.GatewayIdentity) Stat {
	return Stat{
		Time: s.Time.UTC().Format("2006-01-02 15:04:05") + " GMT",
		Lati: id.Latitude,
		Long: id.Longitude,
		Alti: id.Altitude,
		RXNb: s.UplinkCount,
		RXOk: s.UplinkValid,
		RXFw: s.UplinkForward,
		ACKR: s.AckRatio,
		DWNb: s.DownlinkCount,
		TXNb: s.TransmitCount,
		Pfrm: id.Platform,
		Mail: id.Email,
		Desc: id.Description,
	}
}

// Instruction validates a txpk and converts it to a downlink instruction
func (t TXPK) Instruction(token uint16, server string, receivedAt time.Time) (models.DownlinkInstruction, error) {
	instr := models.DownlinkInstruction{
		Token:           token,
		Server:          server,
		TargetFrequency: Hz(t.Freq),
		CodingRate:      t.Codr,
		Power:           t.Powe,
		InvertPolarity:  t.IPol,
		ReceivedAt:      receivedAt,
	}

	if t.Modu != "" && t.Modu != "LORA" {
		return instr, fmt.Errorf("%w: modulation %s", ErrInvalidPacket, t.Modu)
	}
	dr, err := lorawan.ParseDataRate(t.Datr)
	if err != nil {
		return instr, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	instr.TargetSpreadingFactor = dr.SpreadFactor
	instr.Bandwidth = dr.Bandwidth

	payload, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		// 部分服务器不带填充
		payload, err = base64.RawStdEncoding.DecodeString(t.Data)
		if err != nil {
			return instr, fmt.Errorf("%w: data: %v", ErrInvalidPacket, err)
		}
	}
	if t.Size != 0 && t.Size != len(payload) {
		return instr, fmt.Errorf("%w: size %d does not match %d data bytes", ErrInvalidPacket, t.Size, len(payload))
	}
	instr.Payload = payload

	switch {
	case t.Imme:
		instr.Timing = models.TimingImmediate
	case t.Tmst != nil:
		instr.Timing = models.TimingTimestamp
		instr.TransmitTimestamp = *t.Tmst
	case t.Tmms != nil:
		instr.Timing = models.TimingGPS
	default:
		return instr, fmt.Errorf("%w: no timing in txpk", ErrInvalidPacket)
	}

	return instr, nil
}
