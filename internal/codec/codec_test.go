package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

var (
	testAddr = lorawan.DevAddr{0xa1, 0xb2, 0xc3, 0xd4}
	testKeys = SessionKeys{
		NwkSKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		AppSKey: lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
	}
)

func meta(sf lorawan.SpreadingFactor) RxMeta {
	return RxMeta{
		SpreadingFactor: sf,
		Bandwidth:       125,
		CodingRate:      "4/5",
		Frequency:       868100000,
		RSSI:            -70,
		SNR:             9.5,
		Timestamp:       time.Unix(1700000000, 0),
		Tmst:            123456,
	}
}

func buildUplink(t *testing.T, fcnt uint32, payload []byte) []byte {
	t.Helper()
	raw, err := EncodeUplink(UplinkFrame{DevAddr: testAddr, FCnt: fcnt, FPort: 2, Payload: payload}, testKeys)
	if err != nil {
		t.Fatalf("EncodeUplink: %v", err)
	}
	return raw
}

func TestDecodeDataUp(t *testing.T) {
	c := New(Options{})
	raw := buildUplink(t, 42, []byte("hello"))

	rec, err := c.Decode(raw, meta(lorawan.SF9))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.DeviceAddress != testAddr || rec.FrameCounter != 42 {
		t.Errorf("addr=%s fcnt=%d", rec.DeviceAddress, rec.FrameCounter)
	}
	if rec.FPort == nil || *rec.FPort != 2 {
		t.Errorf("FPort = %v", rec.FPort)
	}
	if rec.SpreadingFactor != lorawan.SF9 || rec.RSSI != -70 || rec.Tmst != 123456 {
		t.Errorf("meta not carried: %+v", rec)
	}
	if !bytes.Equal(rec.RawPayload, raw) {
		t.Error("raw payload changed")
	}

	plain, err := DecryptPayload(rec, testKeys.AppSKey)
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if string(plain) != "hello" {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := buildUplink(t, 1, []byte{1})
	badMajor := append([]byte(nil), valid...)
	badMajor[0] |= 0x01
	downlink := append([]byte(nil), valid...)
	downlink[0] = byte(lorawan.UnconfirmedDataDown) << 5
	shortJoin := make([]byte, 20)

	tests := []struct {
		name string
		raw  []byte
		sf   lorawan.SpreadingFactor
	}{
		{"too short", valid[:11], lorawan.SF7},
		{"too long for SF12", make([]byte, 65), lorawan.SF12},
		{"major", badMajor, lorawan.SF7},
		{"downlink type", downlink, lorawan.SF7},
		{"short join", shortJoin, lorawan.SF7},
	}

	c := New(Options{})
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.raw, meta(tt.sf))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v", err)
			}
			if got := c.Failures(); got != uint64(i+1) {
				t.Errorf("Failures = %d, want %d", got, i+1)
			}
		})
	}
}

func TestDecodeJoinRequest(t *testing.T) {
	raw := make([]byte, lorawan.JoinRequestLength)
	raw[0] = byte(lorawan.JoinRequest) << 5

	rec, err := New(Options{CheckMIC: true}).Decode(raw, meta(lorawan.SF12))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.HasDeviceAddress() {
		t.Error("join request must not carry a device address")
	}
}

func TestDecodeMIC(t *testing.T) {
	raw := buildUplink(t, 7, []byte{0xde, 0xad})

	perNode := New(Options{
		CheckMIC: true,
		Keys: func(addr lorawan.DevAddr) (lorawan.AES128Key, bool) {
			return testKeys.NwkSKey, addr == testAddr
		},
	})
	if _, err := perNode.Decode(raw, meta(lorawan.SF7)); err != nil {
		t.Fatalf("valid MIC rejected: %v", err)
	}

	network := New(Options{CheckMIC: true, NetworkKey: lorawan.AES128Key{0xff}})
	if _, err := network.Decode(raw, meta(lorawan.SF7)); !errors.Is(err, ErrMICMismatch) {
		t.Fatalf("wrong network key err = %v", err)
	}

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0x01
	if _, err := perNode.Decode(corrupt, meta(lorawan.SF7)); !errors.Is(err, ErrMICMismatch) {
		t.Fatalf("corrupt MIC err = %v", err)
	}

	network.SetOptions(Options{CheckMIC: false})
	if _, err := network.Decode(corrupt, meta(lorawan.SF7)); err != nil {
		t.Fatalf("MIC checked while disabled: %v", err)
	}
}

func TestEncode(t *testing.T) {
	c := New(Options{})
	instr := models.DownlinkInstruction{
		Token:                 0x1234,
		TargetFrequency:       868100000,
		TargetSpreadingFactor: lorawan.SF9,
		Bandwidth:             125,
		CodingRate:            "4/5",
		Power:                 14,
		InvertPolarity:        true,
		Payload:               make([]byte, 20),
	}

	req, err := c.Encode(instr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !req.InvertIQ || req.Frequency != 868100000 || req.SpreadingFactor != lorawan.SF9 || req.CodingRate != 1 {
		t.Errorf("req = %+v", req)
	}
	if req.Airtime != lorawan.TimeOnAir(lorawan.SF9, 125, 1, 20) {
		t.Errorf("Airtime = %s", req.Airtime)
	}

	// SF12 最大 64 字节，不截断
	instr.TargetSpreadingFactor = lorawan.SF12
	instr.Payload = make([]byte, 65)
	if _, err := c.Encode(instr); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized err = %v", err)
	}
	instr.Payload = make([]byte, 64)
	if _, err := c.Encode(instr); err != nil {
		t.Fatalf("max size rejected: %v", err)
	}
}

func TestEncodeUplinkRequiresFPort(t *testing.T) {
	if _, err := EncodeUplink(UplinkFrame{DevAddr: testAddr}, testKeys); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v", err)
	}
}
