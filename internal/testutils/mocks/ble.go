// Package mocks holds testify mocks for the go-ble interfaces the driver uses.
// Each mock embeds the interface it stands in for, so calling a method that
// has no override panics on the nil embedded value.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice mocks ble.Device
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockClient mocks ble.Client
type MockClient struct {
	ble.Client
	mock.Mock
}

func (m *MockClient) Addr() ble.Addr {
	args := m.Called()
	addr, _ := args.Get(0).(ble.Addr)
	return addr
}

func (m *MockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	services, _ := args.Get(0).([]*ble.Service)
	return services, args.Error(1)
}

func (m *MockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *MockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	descs, _ := args.Get(0).([]*ble.Descriptor)
	return descs, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	args := m.Called()
	ch, _ := args.Get(0).(chan struct{})
	return ch
}

// MockAdvertisement mocks ble.Advertisement
type MockAdvertisement struct {
	ble.Advertisement
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	data, _ := m.Called().Get(0).([]byte)
	return data
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	data, _ := m.Called().Get(0).([]ble.ServiceData)
	return data
}

func (m *MockAdvertisement) Services() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	addr, _ := m.Called().Get(0).(ble.Addr)
	return addr
}
