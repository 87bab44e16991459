package lorawan

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

// RFC 4493 section 4 vectors
func TestAESCMAC(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"empty", "", "bb1d6929e95937287fa37d129b756746"},
		{"one block", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"partial", "6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := aesCMACPRF(key, mustHex(t, tt.msg))
			if err != nil {
				t.Fatalf("aesCMACPRF: %v", err)
			}
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("got %x, want %s", got, tt.want)
			}
		})
	}
}

func TestMACPayloadRoundTrip(t *testing.T) {
	fport := uint8(10)
	in := MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0xa1, 0xb2, 0xc3, 0xd4},
			FCtrl:   FCtrl{ADR: true, ACK: true},
			FCnt:    0x1234,
			FOpts:   []byte{0x02},
		},
		FPort:      &fport,
		FRMPayload: []byte{1, 2, 3},
	}

	raw, err := in.Marshal(true)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// DevAddr 在空口上是小端
	if !bytes.Equal(raw[0:4], []byte{0xd4, 0xc3, 0xb2, 0xa1}) {
		t.Fatalf("wire DevAddr = %x", raw[0:4])
	}

	var out MACPayload
	if err := out.Unmarshal(raw, true); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.FHDR.DevAddr != in.FHDR.DevAddr {
		t.Errorf("DevAddr = %s, want %s", out.FHDR.DevAddr, in.FHDR.DevAddr)
	}
	if out.FHDR.FCnt != in.FHDR.FCnt {
		t.Errorf("FCnt = %d, want %d", out.FHDR.FCnt, in.FHDR.FCnt)
	}
	if !out.FHDR.FCtrl.ADR || !out.FHDR.FCtrl.ACK {
		t.Errorf("FCtrl = %+v", out.FHDR.FCtrl)
	}
	if out.FPort == nil || *out.FPort != fport {
		t.Fatalf("FPort = %v", out.FPort)
	}
	if !bytes.Equal(out.FRMPayload, in.FRMPayload) {
		t.Errorf("FRMPayload = %x", out.FRMPayload)
	}
}

func TestMACPayloadUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte{1, 2, 3}, ErrPayloadTooShort},
		{"fopts overflow", []byte{1, 2, 3, 4, 0x05, 0, 0, 0xaa}, ErrInvalidFOpts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MACPayload
			if err := m.Unmarshal(tt.data, true); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUplinkMIC(t *testing.T) {
	key := AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	mac := MACPayload{FHDR: FHDR{DevAddr: DevAddr{0x26, 0x01, 0x1a, 0x2b}, FCnt: 7}}
	raw, err := mac.Marshal(true)
	if err != nil {
		t.Fatal(err)
	}

	p := PHYPayload{MHDR: MHDR{MType: UnconfirmedDataUp}, MACPayload: raw}
	if err := p.SetUplinkDataMIC(7, key); err != nil {
		t.Fatalf("SetUplinkDataMIC: %v", err)
	}

	ok, err := p.ValidateUplinkDataMIC(7, key)
	if err != nil || !ok {
		t.Fatalf("valid MIC rejected: ok=%v err=%v", ok, err)
	}

	wrong := key
	wrong[0] ^= 0xff
	ok, err = p.ValidateUplinkDataMIC(7, wrong)
	if err != nil || ok {
		t.Fatalf("MIC accepted with wrong key: ok=%v err=%v", ok, err)
	}
}

func TestEncryptFRMPayloadSymmetric(t *testing.T) {
	key := AES128Key{0xff}
	addr := DevAddr{1, 2, 3, 4}
	plain := []byte("twenty bytes of data")

	enc, err := EncryptFRMPayload(key, addr, 42, true, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("payload not encrypted")
	}
	dec, err := EncryptFRMPayload(key, addr, 42, true, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("decrypted = %q", dec)
	}
}

func TestGetFullFCnt(t *testing.T) {
	tests := []struct {
		last uint32
		fcnt uint16
		want uint32
	}{
		{0, 5, 5},
		{0x0001fff0, 0xfff5, 0x0001fff5},
		{0x0000fff0, 0x0002, 0x00010002},
	}
	for _, tt := range tests {
		if got := GetFullFCnt(tt.last, tt.fcnt); got != tt.want {
			t.Errorf("GetFullFCnt(%#x, %#x) = %#x, want %#x", tt.last, tt.fcnt, got, tt.want)
		}
	}
}

func TestDevAddrText(t *testing.T) {
	d, err := ParseDevAddr("A1B2C3D4")
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "a1b2c3d4" {
		t.Errorf("String = %s", d)
	}
	if d.Uint32() != 0xa1b2c3d4 {
		t.Errorf("Uint32 = %#x", d.Uint32())
	}
	if _, err := ParseDevAddr("a1b2"); err == nil {
		t.Error("short address accepted")
	}
}
