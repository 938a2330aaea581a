package cluster

import "errors"

// Configuration errors
var (
	ErrInvalidConfig       = errors.New("invalid cluster configuration")
	ErrInvalidNodeID       = errors.New("node ID must be between 1 and 255")
	ErrSelfNotMember       = errors.New("node ID is not in the member list")
	ErrDialTimeoutTooLarge = errors.New("dial timeout must be smaller than the heartbeat interval")
	ErrNoMembers           = errors.New("member list is empty")
)

// Lifecycle errors
var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
)
