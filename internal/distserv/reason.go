package distserv

import "errors"

// Reason explains why a client slot was disconnected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeleted
	ReasonDisconnected
	ReasonPeekError
	ReasonInputLocalFailed
	ReasonInputLocalFailedInvalid
	ReasonInputLocalFailedMulti
	ReasonInputLocalFailedWindow
	ReasonInputQueryFailed
	ReasonDesynced
	ReasonDesyncedAllPlayers
	ReasonDistError
)

// reasonStrings maps Reason values to their JSON string representation.
var reasonStrings = map[Reason]string{
	ReasonNone:                    "none",
	ReasonDeleted:                 "deleted",
	ReasonDisconnected:            "disconnected",
	ReasonPeekError:               "peek_error",
	ReasonInputLocalFailed:        "input_local_failed",
	ReasonInputLocalFailedInvalid: "input_local_failed_invalid",
	ReasonInputLocalFailedMulti:   "input_local_failed_multi",
	ReasonInputLocalFailedWindow:  "input_local_failed_window",
	ReasonInputQueryFailed:        "input_query_failed",
	ReasonDesynced:                "desynced",
	ReasonDesyncedAllPlayers:      "desynced_all_players",
	ReasonDistError:               "dist_error",
}

// String returns the string representation of Reason.
func (r Reason) String() string {
	if s, ok := reasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes Reason as a JSON string (e.g. "desynced").
func (r Reason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Errors returned by Server methods.
var (
	ErrBadIndex          = errors.New("client index out of range")
	ErrSlotInUse         = errors.New("client slot already in use")
	ErrNotConnected      = errors.New("client not connected")
	ErrUnknownSelector   = errors.New("unknown selector")
	ErrInvalidMaxClients = errors.New("max clients must be between 1 and 32")
)
