package igmp

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid igmp configuration")
	ErrUnknownInterface = errors.New("unknown interface")
	ErrInterfaceExists  = errors.New("interface already enabled")
	ErrNotMulticast     = errors.New("not an ipv4 multicast group")
	ErrInvalidMode      = errors.New("invalid filter mode")
	ErrRoleDisabled     = errors.New("role not enabled on interface")
	ErrInvalidInterface = errors.New("invalid interface")
	ErrEngineNotRunning = errors.New("engine not running")
)
