package central

import "github.com/srg/blesched/internal/radio"

// Error types surfaced by the central API
type (
	ConnectionError       = radio.ConnectionError
	ConnectionState       = radio.ConnectionState
	TimeoutError          = radio.TimeoutError
	CanceledError         = radio.CanceledError
	RadioUnavailableError = radio.RadioUnavailableError
	ScanError             = radio.ScanError
	Status                = radio.Status
	AdapterState          = radio.AdapterState
)

// Sentinels for errors.Is
var (
	ErrNotConnected     = radio.ErrNotConnected
	ErrAlreadyConnected = radio.ErrAlreadyConnected
	ErrConnectionLost   = radio.ErrConnectionLost
	ErrConnection       = radio.ErrConnection
	ErrTimeout          = radio.ErrTimeout
	ErrCanceled         = radio.ErrCanceled
	ErrRadioUnavailable = radio.ErrRadioUnavailable
	ErrScan             = radio.ErrScan
)

// Adapter states
const (
	StateUnknown       = radio.StateUnknown
	StateOn            = radio.StateOn
	StateOff           = radio.StateOff
	StateUnsupported   = radio.StateUnsupported
	StateUnauthorized  = radio.StateUnauthorized
	StateTransitioning = radio.StateTransitioning
)
