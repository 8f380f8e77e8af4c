package testutils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/testutils/mocks"
)

// AdvertisementBuilder builds advertisements for tests, either as a go-ble
// mock for driver tests or as a radio.Advertisement for core tests.
type AdvertisementBuilder struct {
	name      string
	address   string
	rssi      int
	services  []string
	manufData []byte
	svcData   map[string][]byte
	txPower   int
}

// NewAdvertisementBuilder creates a builder with RSSI -50 and no TX power
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		rssi:    -50,
		txPower: 127,
		svcData: map[string][]byte{},
	}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs in any form ble.MustParse accepts
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.svcData[uuid] = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = power
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	if data.TxPower != nil {
		b.txPower = *data.TxPower
	}
	b.services = append(b.services, data.Services...)
	if data.ManufacturerData != nil {
		b.manufData = data.ManufacturerData
	}
	for k, v := range data.ServiceData {
		b.svcData[k] = v
	}
	return b
}

func (b *AdvertisementBuilder) uuids() []ble.UUID {
	var out []ble.UUID
	for _, s := range b.services {
		out = append(out, ble.MustParse(s))
	}
	return out
}

// Build creates a go-ble MockAdvertisement. Every accessor is mocked so the
// advertisement survives any conversion.
func (b *AdvertisementBuilder) Build() *mocks.MockAdvertisement {
	var svcData []ble.ServiceData
	for uuid, data := range b.svcData {
		svcData = append(svcData, ble.ServiceData{UUID: ble.MustParse(uuid), Data: data})
	}

	adv := &mocks.MockAdvertisement{}
	adv.On("Addr").Return(ble.NewAddr(b.address)).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("ManufacturerData").Return(b.manufData).Maybe()
	adv.On("ServiceData").Return(svcData).Maybe()
	adv.On("Services").Return(b.uuids()).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("TxPowerLevel").Return(b.txPower).Maybe()
	adv.On("Connectable").Return(true).Maybe()
	return adv
}

// BuildRadio creates the driver-neutral advertisement delivered to the core
func (b *AdvertisementBuilder) BuildRadio() radio.Advertisement {
	return radio.Advertisement{
		Addr:      ble.NewAddr(b.address),
		Name:      b.name,
		RSSI:      b.rssi,
		TxPower:   b.txPower,
		Services:  b.uuids(),
		Payload:   b.manufData,
		Timestamp: time.Now(),
	}
}
