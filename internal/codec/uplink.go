package codec

import (
	"fmt"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// UplinkFrame describes a data-up frame to be built locally
type UplinkFrame struct {
	DevAddr   lorawan.DevAddr
	FCnt      uint32
	FPort     uint8
	Confirmed bool
	Payload   []byte
}

// SessionKeys 节点会话密钥
type SessionKeys struct {
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

// EncodeUplink builds a signed, encrypted data-up PHYPayload
func EncodeUplink(f UplinkFrame, keys SessionKeys) ([]byte, error) {
	if f.FPort == 0 {
		return nil, fmt.Errorf("%w: fport 0 is reserved for MAC commands", ErrMalformed)
	}

	enc, err := lorawan.EncryptFRMPayload(keys.AppSKey, f.DevAddr, f.FCnt, true, f.Payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	fport := f.FPort
	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: f.DevAddr,
			FCnt:    uint16(f.FCnt),
		},
		FPort:      &fport,
		FRMPayload: enc,
	}
	macBytes, err := mac.Marshal(true)
	if err != nil {
		return nil, err
	}

	mtype := lorawan.UnconfirmedDataUp
	if f.Confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWANR1},
		MACPayload: macBytes,
	}
	if err := phy.SetUplinkDataMIC(f.FCnt, keys.NwkSKey); err != nil {
		return nil, fmt.Errorf("set MIC: %w", err)
	}

	return phy.MarshalBinary()
}

// DecryptPayload returns the plaintext FRMPayload of an admitted data-up record
func DecryptPayload(rec *models.UplinkRecord, appSKey lorawan.AES128Key) ([]byte, error) {
	if !rec.HasDeviceAddress() {
		return nil, fmt.Errorf("%w: %s has no FRMPayload", ErrMalformed, rec.MType)
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(rec.RawPayload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var mac lorawan.MACPayload
	if err := mac.Unmarshal(phy.MACPayload, true); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if mac.FPort == nil || len(mac.FRMPayload) == 0 {
		return nil, nil
	}

	// FPort 0 使用 NwkSKey，这里只处理应用数据
	if *mac.FPort == 0 {
		return nil, nil
	}
	return lorawan.EncryptFRMPayload(appSKey, mac.FHDR.DevAddr, rec.FrameCounter, true, mac.FRMPayload)
}
