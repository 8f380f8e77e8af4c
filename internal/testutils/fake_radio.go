package testutils

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blesched/internal/radio"
)

// ConnectOutcome scripts how one connection attempt to a FakePeripheral ends
type ConnectOutcome struct {
	// Status reported by the attempt. Success connects, anything else fails the attempt.
	Status radio.Status
	// Silent attempts never report anything, as if the peripheral was out of range.
	Silent bool
	// Delay before the outcome is reported
	Delay time.Duration
}

var (
	ConnectOK     = ConnectOutcome{Status: radio.StatusSuccess}
	ConnectSilent = ConnectOutcome{Silent: true}
)

func ConnectFail(status radio.Status) ConnectOutcome {
	return ConnectOutcome{Status: status}
}

// FakePeripheral is a scriptable remote device served by FakeRadio
type FakePeripheral struct {
	addr       ble.Addr
	name       string
	advertised []ble.UUID
	services   []*ble.Service
	mtu        int

	outcomes       []ConnectOutcome
	connectDelay   time.Duration
	discoverStatus radio.Status
	readStatus     map[string]radio.Status
	writeStatus    map[string]radio.Status
	unresponsive   map[string]bool

	attempts int
	values   map[string][]byte
}

// NewFakePeripheral creates a connectable peripheral with an MTU of 247 and no services
func NewFakePeripheral(addr string) *FakePeripheral {
	return &FakePeripheral{
		addr:         ble.NewAddr(addr),
		mtu:          247,
		readStatus:   map[string]radio.Status{},
		writeStatus:  map[string]radio.Status{},
		unresponsive: map[string]bool{},
		values:       map[string][]byte{},
	}
}

func (p *FakePeripheral) WithName(name string) *FakePeripheral {
	p.name = name
	return p
}

// Advertising sets the service UUIDs carried by advertisements
func (p *FakePeripheral) Advertising(uuids ...string) *FakePeripheral {
	for _, u := range uuids {
		p.advertised = append(p.advertised, ble.MustParse(u))
	}
	return p
}

func (p *FakePeripheral) WithService(uuid string) *FakePeripheral {
	p.services = append(p.services, &ble.Service{UUID: ble.MustParse(uuid)})
	return p
}

// WithCharacteristic adds a characteristic to the last added service
func (p *FakePeripheral) WithCharacteristic(uuid, properties string, value []byte) *FakePeripheral {
	if len(p.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := p.services[len(p.services)-1]
	ch := &ble.Characteristic{
		UUID:     ble.MustParse(uuid),
		Property: parseCharacteristicProperties(properties),
	}
	svc.Characteristics = append(svc.Characteristics, ch)
	p.values[ch.UUID.String()] = value
	return p
}

func (p *FakePeripheral) WithMTU(mtu int) *FakePeripheral {
	p.mtu = mtu
	return p
}

// WithConnectOutcomes scripts successive connection attempts. Attempts past
// the script connect successfully.
func (p *FakePeripheral) WithConnectOutcomes(outcomes ...ConnectOutcome) *FakePeripheral {
	p.outcomes = append(p.outcomes, outcomes...)
	return p
}

// WithConnectDelay delays every successful connection
func (p *FakePeripheral) WithConnectDelay(d time.Duration) *FakePeripheral {
	p.connectDelay = d
	return p
}

func (p *FakePeripheral) WithDiscoverStatus(status radio.Status) *FakePeripheral {
	p.discoverStatus = status
	return p
}

func (p *FakePeripheral) WithReadStatus(uuid string, status radio.Status) *FakePeripheral {
	p.readStatus[ble.MustParse(uuid).String()] = status
	return p
}

func (p *FakePeripheral) WithWriteStatus(uuid string, status radio.Status) *FakePeripheral {
	p.writeStatus[ble.MustParse(uuid).String()] = status
	return p
}

// WithUnresponsive makes reads and writes of a characteristic never complete
func (p *FakePeripheral) WithUnresponsive(uuid string) *FakePeripheral {
	p.unresponsive[ble.MustParse(uuid).String()] = true
	return p
}

func (p *FakePeripheral) outcome() ConnectOutcome {
	n := p.attempts
	p.attempts++
	if n < len(p.outcomes) {
		return p.outcomes[n]
	}
	return ConnectOutcome{Status: radio.StatusSuccess, Delay: p.connectDelay}
}

func (p *FakePeripheral) advertisement() radio.Advertisement {
	return radio.Advertisement{
		Addr:      p.addr,
		Name:      p.name,
		RSSI:      -50,
		TxPower:   127,
		Services:  append([]ble.UUID(nil), p.advertised...),
		Timestamp: time.Now(),
	}
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) ble.Property {
	if props == "" {
		return ble.CharRead | ble.CharWrite | ble.CharNotify
	}

	var property ble.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= ble.CharRead
		case "write":
			property |= ble.CharWrite
		case "writenr":
			property |= ble.CharWriteNR
		case "notify":
			property |= ble.CharNotify
		case "indicate":
			property |= ble.CharIndicate
		}
	}
	return property
}

var (
	_ radio.Driver = (*FakeRadio)(nil)
	_ radio.GATT   = (*FakeGATT)(nil)
)

// FakeRadio is an in-memory radio.Driver. Completions are delivered
// asynchronously, in order, from a single pump goroutine.
type FakeRadio struct {
	mu           sync.Mutex
	state        radio.AdapterState
	scanHandler  radio.Handler
	scanning     bool
	filters      []ble.UUID
	scanStarts   int
	startScanErr error
	peripherals  map[string]*FakePeripheral
	handles      []*FakeGATT
	calls        []string

	queue chan func()
	stop  chan struct{}
	once  sync.Once
}

// NewFakeRadio creates a powered-on fake radio serving peripherals
func NewFakeRadio(peripherals ...*FakePeripheral) *FakeRadio {
	fr := &FakeRadio{
		state:       radio.StateOn,
		peripherals: map[string]*FakePeripheral{},
		queue:       make(chan func(), 1024),
		stop:        make(chan struct{}),
	}
	for _, p := range peripherals {
		fr.peripherals[p.addr.String()] = p
	}
	go fr.pump()
	return fr
}

func (fr *FakeRadio) pump() {
	for {
		select {
		case fn := <-fr.queue:
			fn()
		case <-fr.stop:
			return
		}
	}
}

func (fr *FakeRadio) deliver(delay time.Duration, fn func()) {
	enqueue := func() {
		select {
		case fr.queue <- fn:
		case <-fr.stop:
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, enqueue)
		return
	}
	enqueue()
}

// Close stops event delivery
func (fr *FakeRadio) Close() {
	fr.once.Do(func() { close(fr.stop) })
}

func (fr *FakeRadio) record(format string, args ...any) {
	fr.calls = append(fr.calls, fmt.Sprintf(format, args...))
}

func (fr *FakeRadio) State() radio.AdapterState {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.state
}

func (fr *FakeRadio) SetState(st radio.AdapterState) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.state = st
}

func (fr *FakeRadio) SetScanHandler(h radio.Handler) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.scanHandler = h
}

// FailNextScanStart makes the next StartScan call return err
func (fr *FakeRadio) FailNextScanStart(err error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.startScanErr = err
}

func (fr *FakeRadio) StartScan(filters []ble.UUID) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.record("scan:start")
	if err := fr.startScanErr; err != nil {
		fr.startScanErr = nil
		return err
	}
	if fr.state != radio.StateOn {
		return &radio.RadioUnavailableError{State: fr.state}
	}
	if fr.scanning {
		return errors.New("scan already in progress")
	}
	fr.scanning = true
	fr.filters = append([]ble.UUID(nil), filters...)
	fr.scanStarts++
	return nil
}

func (fr *FakeRadio) StopScan() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.record("scan:stop")
	fr.scanning = false
	fr.filters = nil
	return nil
}

func (fr *FakeRadio) Connect(addr ble.Addr, h radio.Handler) (radio.GATT, error) {
	fr.mu.Lock()
	fr.record("connect:%s", addr)
	if fr.state != radio.StateOn {
		defer fr.mu.Unlock()
		return nil, &radio.RadioUnavailableError{State: fr.state}
	}

	g := &FakeGATT{radio: fr, addr: addr, handler: h, dialing: true}
	fr.handles = append(fr.handles, g)

	p, ok := fr.peripherals[addr.String()]
	if !ok {
		fr.mu.Unlock()
		return g, nil
	}
	g.peripheral = p
	out := p.outcome()
	fr.mu.Unlock()

	switch {
	case out.Silent:
	case out.Status.OK():
		fr.deliver(out.Delay, g.connected)
	default:
		fr.deliver(out.Delay, func() { g.failed(out.Status) })
	}
	return g, nil
}

// Advertise delivers an advertisement of the peripheral at addr if a scan
// is running and its filters accept it.
func (fr *FakeRadio) Advertise(addr string) bool {
	fr.mu.Lock()
	p, ok := fr.peripherals[ble.NewAddr(addr).String()]
	fr.mu.Unlock()
	if !ok {
		return false
	}
	return fr.AdvertiseWith(p.advertisement())
}

func (fr *FakeRadio) AdvertiseWith(adv radio.Advertisement) bool {
	fr.mu.Lock()
	h := fr.scanHandler
	accepted := fr.scanning && h != nil && (fr.filters == nil || adv.HasService(fr.filters))
	fr.mu.Unlock()
	if !accepted {
		return false
	}
	fr.deliver(0, func() { h(adv) })
	return true
}

// FailScan ends the running scan with a driver failure
func (fr *FakeRadio) FailScan(err error) {
	fr.mu.Lock()
	fr.scanning = false
	fr.filters = nil
	h := fr.scanHandler
	fr.mu.Unlock()
	if h != nil {
		fr.deliver(0, func() { h(radio.ScanFailed{Err: err}) })
	}
}

// Notify sends a characteristic value change on every connected handle of addr
func (fr *FakeRadio) Notify(addr, charUUID string, value []byte) bool {
	sent := false
	for _, g := range fr.connectedHandles(addr) {
		ch := g.characteristic(charUUID)
		if ch == nil {
			continue
		}
		g.emit(radio.CharacteristicChanged{GATT: g, Characteristic: ch, Value: value})
		sent = true
	}
	return sent
}

// DropLink terminates every connected handle of addr from the remote side
func (fr *FakeRadio) DropLink(addr string) bool {
	handles := fr.connectedHandles(addr)
	for _, g := range handles {
		g.mu.Lock()
		g.isConnected = false
		g.mu.Unlock()
		g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: radio.StatusRemoteTerminated})
	}
	return len(handles) > 0
}

func (fr *FakeRadio) connectedHandles(addr string) []*FakeGATT {
	key := ble.NewAddr(addr).String()
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var out []*FakeGATT
	for _, g := range fr.handles {
		if g.addr.String() == key && g.IsConnected() {
			out = append(out, g)
		}
	}
	return out
}

func (fr *FakeRadio) Scanning() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.scanning
}

func (fr *FakeRadio) Filters() []ble.UUID {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]ble.UUID(nil), fr.filters...)
}

func (fr *FakeRadio) ScanStarts() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.scanStarts
}

// Calls returns the driver calls in the order they were made
func (fr *FakeRadio) Calls() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.calls...)
}

// CallCount counts recorded calls starting with prefix
func (fr *FakeRadio) CallCount(prefix string) int {
	n := 0
	for _, c := range fr.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// ConnectAttempts returns the number of Connect calls made for addr
func (fr *FakeRadio) ConnectAttempts(addr string) int {
	return fr.CallCount("connect:" + ble.NewAddr(addr).String())
}

// OpenHandles counts handles that have not been closed
func (fr *FakeRadio) OpenHandles() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	n := 0
	for _, g := range fr.handles {
		if !g.IsClosed() {
			n++
		}
	}
	return n
}

// Value returns the current value of a characteristic of the peripheral at addr
func (fr *FakeRadio) Value(addr, charUUID string) []byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	p, ok := fr.peripherals[ble.NewAddr(addr).String()]
	if !ok {
		return nil
	}
	return p.values[ble.MustParse(charUUID).String()]
}

// FakeGATT is a connection handle of FakeRadio
type FakeGATT struct {
	radio      *FakeRadio
	peripheral *FakePeripheral
	addr       ble.Addr
	handler    radio.Handler

	mu          sync.Mutex
	dialing     bool
	isConnected bool
	closed      bool
}

func (g *FakeGATT) Addr() ble.Addr { return g.addr }

func (g *FakeGATT) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isConnected
}

func (g *FakeGATT) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// emit queues ev for the handle's handler. Nothing is delivered once the handle is closed.
func (g *FakeGATT) emit(ev radio.Event) {
	g.radio.deliver(0, func() {
		if g.IsClosed() {
			return
		}
		g.handler(ev)
	})
}

func (g *FakeGATT) connected() {
	g.mu.Lock()
	if g.closed || !g.dialing {
		g.mu.Unlock()
		return
	}
	g.dialing = false
	g.isConnected = true
	g.mu.Unlock()
	g.handler(radio.ConnectionStateChanged{GATT: g, State: radio.Connected, Status: radio.StatusSuccess})
}

func (g *FakeGATT) failed(status radio.Status) {
	g.mu.Lock()
	if g.closed || !g.dialing {
		g.mu.Unlock()
		return
	}
	g.dialing = false
	g.mu.Unlock()
	g.handler(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: status})
}

func (g *FakeGATT) Disconnect() error {
	g.radio.mu.Lock()
	g.radio.record("disconnect:%s", g.addr)
	g.radio.mu.Unlock()

	g.mu.Lock()
	active := g.dialing || g.isConnected
	g.dialing, g.isConnected = false, false
	g.mu.Unlock()
	if active {
		g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: radio.StatusLocalTerminated})
	}
	return nil
}

func (g *FakeGATT) Close() error {
	g.radio.mu.Lock()
	g.radio.record("close:%s", g.addr)
	g.radio.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.dialing, g.isConnected = false, false
	return nil
}

func (g *FakeGATT) request(format string, args ...any) error {
	g.radio.mu.Lock()
	g.radio.record(format, args...)
	g.radio.mu.Unlock()
	if !g.IsConnected() {
		return radio.ErrNotConnected
	}
	return nil
}

func (g *FakeGATT) characteristic(uuid string) *ble.Characteristic {
	if g.peripheral == nil {
		return nil
	}
	want := ble.MustParse(uuid)
	for _, svc := range g.peripheral.services {
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(want) {
				return ch
			}
		}
	}
	return nil
}

func (g *FakeGATT) DiscoverServices() error {
	if err := g.request("discover-services:%s", g.addr); err != nil {
		return err
	}
	status := g.peripheral.discoverStatus
	var services []*ble.Service
	if status.OK() {
		services = g.peripheral.services
	}
	g.emit(radio.ServicesDiscovered{GATT: g, Services: services, Status: status})
	return nil
}

func (g *FakeGATT) DiscoverCharacteristics(svc *ble.Service) error {
	if err := g.request("discover-characteristics:%s", svc.UUID); err != nil {
		return err
	}
	g.emit(radio.CharacteristicsDiscovered{GATT: g, Service: svc, Characteristics: svc.Characteristics})
	return nil
}

func (g *FakeGATT) ReadCharacteristic(c *ble.Characteristic) error {
	if err := g.request("read:%s", c.UUID); err != nil {
		return err
	}
	key := c.UUID.String()
	g.radio.mu.Lock()
	status := g.peripheral.readStatus[key]
	value := append([]byte(nil), g.peripheral.values[key]...)
	silent := g.peripheral.unresponsive[key]
	g.radio.mu.Unlock()
	if silent {
		return nil
	}
	if !status.OK() {
		value = nil
	}
	g.emit(radio.CharacteristicRead{GATT: g, Characteristic: c, Value: value, Status: status})
	return nil
}

func (g *FakeGATT) WriteCharacteristic(c *ble.Characteristic, value []byte, withResponse bool) error {
	if err := g.request("write:%s", c.UUID); err != nil {
		return err
	}
	key := c.UUID.String()
	g.radio.mu.Lock()
	status := g.peripheral.writeStatus[key]
	silent := g.peripheral.unresponsive[key]
	if status.OK() && !silent {
		g.peripheral.values[key] = append([]byte(nil), value...)
	}
	g.radio.mu.Unlock()
	if silent {
		return nil
	}
	g.emit(radio.CharacteristicWritten{GATT: g, Characteristic: c, Status: status})
	return nil
}

func (g *FakeGATT) SetNotify(c *ble.Characteristic, enabled bool) error {
	if err := g.request("notify:%s:%t", c.UUID, enabled); err != nil {
		return err
	}
	status := radio.StatusSuccess
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		status = radio.StatusRequestNotSupported
	}
	g.emit(radio.NotifyChanged{GATT: g, Characteristic: c, Enabled: enabled, Status: status})
	return nil
}

func (g *FakeGATT) RequestMTU(mtu int) error {
	if err := g.request("mtu:%d", mtu); err != nil {
		return err
	}
	if mtu > g.peripheral.mtu {
		mtu = g.peripheral.mtu
	}
	g.emit(radio.MTUChanged{GATT: g, MTU: mtu})
	return nil
}
