// Package events defines event types and payloads for the session event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Client lifecycle events
	EventClientAdded        EventType = "client.added"
	EventClientRemoved      EventType = "client.removed"
	EventClientDisconnected EventType = "client.disconnected"

	// Distribution events
	EventCRCChallenge   EventType = "crc.challenge"
	EventCRCDesync      EventType = "crc.desync"
	EventFlowChanged    EventType = "flow.changed"
	EventNoInputChanged EventType = "noinput.changed"
	EventStatsSample    EventType = "stats.sample"

	// Monitoring events
	EventAlert EventType = "alert.raised"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ClientPayload describes a client slot being filled or emptied.
type ClientPayload struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Remote string `json:"remote,omitempty"`
}

// DisconnectPayload is emitted when the server gives up on a client.
type DisconnectPayload struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// CRCChallengePayload is emitted when a CRC challenge goes out.
type CRCChallengePayload struct {
	Clients       int `json:"clients"`
	ResponseLimit int `json:"response_limit"`
}

// CRCResultPayload reports the outcome of a CRC vote with failures.
type CRCResultPayload struct {
	Best   uint32 `json:"best"`
	Tied   bool   `json:"tied"`
	Passed []int  `json:"passed"`
	Failed []int  `json:"failed"`
}

// FlowPayload reports a change of the session-wide flow state.
type FlowPayload struct {
	Enabled bool `json:"enabled"`
	Clients int  `json:"clients"`
}

// NoInputPayload reports entering or leaving no-input mode.
type NoInputPayload struct {
	Enabled bool `json:"enabled"`
}

// ClientSample is one client's row in a stats sample.
type ClientSample struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Drop    int    `json:"drop"`
	InCount int    `json:"icnt"`
	Valid   bool   `json:"valid"`
	Late    int    `json:"late"`
	Ping    int    `json:"ping"`
}

// StatsSamplePayload carries one sampling interval of server counters.
// Counters flagged invalid must not be turned into rates.
type StatsSamplePayload struct {
	SessionID   string         `json:"session_id"`
	Time        time.Time      `json:"time"`
	ClientCount int            `json:"clnu"`
	OutCount    int            `json:"ocnt"`
	OutValid    bool           `json:"ocnt_valid"`
	NoInput     bool           `json:"ninp"`
	Clients     []ClientSample `json:"clients"`
}

// AlertPayload is emitted when a monitor threshold is crossed.
type AlertPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
