package radio_test

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"

	"github.com/srg/blesched/internal/radio"
)

func TestContainsUUID(t *testing.T) {
	hr := ble.UUID16(0x180D)
	bat := ble.UUID16(0x180F)

	assert.False(t, radio.ContainsUUID(nil, hr), "a nil set MUST hold nothing")
	assert.False(t, radio.ContainsUUID([]ble.UUID{}, hr), "an empty set MUST hold nothing")
	assert.False(t, radio.ContainsUUID([]ble.UUID{bat}, hr))
	assert.True(t, radio.ContainsUUID([]ble.UUID{bat, hr}, hr))
}

func TestAdvertisementHasService(t *testing.T) {
	hr := ble.UUID16(0x180D)

	assert.False(t, radio.Advertisement{}.HasService([]ble.UUID{hr}), "an advertisement without services MUST match no filter")
	assert.False(t, radio.Advertisement{Services: []ble.UUID{hr}}.HasService(nil), "an empty filter MUST match nothing")
	assert.True(t, radio.Advertisement{Services: []ble.UUID{ble.UUID16(0x180F), hr}}.HasService([]ble.UUID{hr}))
}
