package gateway

// Close codes sent when the gateway ends a connection on purpose. Standard
// codes (1000, 1001, 1008) are defined by RFC 6455; the 4000 range is
// reserved for application use.
const (
	CloseAuthTimeout    = 4401
	CloseDeviceMismatch = 4403
	CloseSlowConsumer   = 4408
	CloseAuthOverflow   = 4503
)
