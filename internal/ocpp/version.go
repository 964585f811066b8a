package ocpp

// Version identifies the OCPP protocol version a station speaks.
type Version string

const (
	Version16  Version = "1.6"
	Version201 Version = "2.0.1"
)

// Subprotocol returns the WebSocket sub-protocol name negotiated for the version.
func (v Version) Subprotocol() string {
	switch v {
	case Version201:
		return "ocpp2.0.1"
	default:
		return "ocpp1.6"
	}
}

// Valid reports whether v is a supported protocol version.
func (v Version) Valid() bool {
	return v == Version16 || v == Version201
}
