package transport

// Status is the connection state of the transport.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// StatusNames lists every status label.
func StatusNames() []string {
	return statusNames[:]
}
