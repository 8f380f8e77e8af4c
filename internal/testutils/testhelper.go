package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper whose logger only reports warnings and errors.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Radio builds a FakeRadio serving peripherals and closes it when the test ends.
func (h *TestHelper) Radio(peripherals ...*FakePeripheral) *FakeRadio {
	fr := NewFakeRadio(peripherals...)
	h.T.Cleanup(fr.Close)
	return fr
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}
