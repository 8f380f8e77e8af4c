package radio

import "fmt"

// Status is a completion status reported by the driver.
// Values follow the HCI / ATT error code space.
type Status int

const (
	StatusSuccess                     Status = 0x00
	StatusConnectionTimeout           Status = 0x08
	StatusRemoteTerminated            Status = 0x13
	StatusLocalTerminated             Status = 0x16
	StatusConnectionFailedToEstablish Status = 0x3E
	StatusInsufficientAuthentication  Status = 0x05
	StatusReadNotPermitted            Status = 0x02
	StatusWriteNotPermitted           Status = 0x03
	StatusRequestNotSupported         Status = 0x06
	StatusFailure                     Status = 0x101
)

var statusNames = map[Status]string{
	StatusSuccess:                     "success",
	StatusConnectionTimeout:           "connection timeout",
	StatusRemoteTerminated:            "remote user terminated connection",
	StatusLocalTerminated:             "connection terminated by local host",
	StatusConnectionFailedToEstablish: "connection failed to be established",
	StatusInsufficientAuthentication:  "insufficient authentication",
	StatusReadNotPermitted:            "read not permitted",
	StatusWriteNotPermitted:           "write not permitted",
	StatusRequestNotSupported:         "request not supported",
	StatusFailure:                     "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02X", int(s))
}

// OK reports whether the status is a success
func (s Status) OK() bool {
	return s == StatusSuccess
}

// Transient reports whether a failed connection attempt with this status means
// the peripheral was simply not connectable yet, as opposed to a genuine error.
func (s Status) Transient() bool {
	switch s {
	case StatusSuccess, StatusConnectionTimeout, StatusConnectionFailedToEstablish:
		return true
	default:
		return false
	}
}
