package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MinPHYPayloadSize is MHDR + DevAddr + FCtrl + FCnt + MIC
const MinPHYPayloadSize = 1 + 7 + 4

var (
	ErrPayloadTooShort = errors.New("payload too short")
	ErrInvalidFOpts    = errors.New("invalid FOpts length")
)

// wire returns the little-endian on-air form of the address
func (d DevAddr) wire() [4]byte {
	return [4]byte{d[3], d[2], d[1], d[0]}
}

func devAddrFromWire(b []byte) DevAddr {
	return DevAddr{b[3], b[2], b[1], b[0]}
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < MinPHYPayloadSize {
		return fmt.Errorf("PHYPayload %d bytes: %w", len(data), ErrPayloadTooShort)
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, ErrInvalidFOpts
	}

	addr := m.FHDR.DevAddr.wire()
	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, addr[:]...)

	// FCtrl
	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	// FCnt 低16位，小端
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload 只有在 FPort 存在时才出现
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload %d bytes: %w", len(data), ErrPayloadTooShort)
	}

	m.FHDR.DevAddr = devAddrFromWire(data[0:4])

	fctrl := data[4]
	m.FHDR.FCtrl = FCtrl{ADR: fctrl&0x80 != 0}
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.ClassB = fctrl&0x10 != 0
	} else {
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}
	foptsLen := int(fctrl & 0x0F)

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[5:7])
	pos := 7

	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return ErrInvalidFOpts
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++
		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// UnmarshalBinary parses the 18-byte join request body
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], data[0:8])
	copy(j.DevEUI[:], data[8:16])
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// micBlock builds the B0 block followed by MHDR | MACPayload
func (p *PHYPayload) micBlock(devAddr DevAddr, fCnt uint32, uplink bool) []byte {
	b0 := make([]byte, 16, 16+1+len(p.MACPayload))
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	addr := devAddr.wire()
	copy(b0[6:10], addr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(1 + len(p.MACPayload))

	b0 = append(b0, p.MHDR.Byte())
	return append(b0, p.MACPayload...)
}

// SetUplinkDataMIC calculates and sets a LoRaWAN 1.0 uplink MIC
func (p *PHYPayload) SetUplinkDataMIC(fCnt uint32, nwkSKey AES128Key) error {
	var mac MACPayload
	if err := mac.Unmarshal(p.MACPayload, true); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := CalculateMIC(nwkSKey[:], p.micBlock(mac.FHDR.DevAddr, GetFullFCnt(fCnt, mac.FHDR.FCnt), true))
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic

	return nil
}

// ValidateUplinkDataMIC validates uplink MIC without modifying the payload
func (p *PHYPayload) ValidateUplinkDataMIC(fCnt uint32, nwkSKey AES128Key) (bool, error) {
	origMIC := p.MIC
	defer func() { p.MIC = origMIC }()

	if err := p.SetUplinkDataMIC(fCnt, nwkSKey); err != nil {
		return false, err
	}

	return p.MIC == origMIC, nil
}

// ValidateJoinRequestMIC validates a join request MIC against the AppKey
func (p *PHYPayload) ValidateJoinRequestMIC(appKey AES128Key) (bool, error) {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)

	expected, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}

	return expected == p.MIC, nil
}

// CalculateMIC is a helper function to calculate MIC
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMACPRF(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// EncryptFRMPayload encrypts/decrypts FRM payload.
// The operation is symmetric: applying it twice returns the input.
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	addr := devAddr.wire()
	copy(ai[6:10], addr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	k := (len(payload) + 15) / 16
	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}

	return out, nil
}
