package session

import (
	"context"
	"time"

	"github.com/energizer-project/netgamedist/internal/distserv"
	"github.com/energizer-project/netgamedist/internal/events"
)

// ClientView is a client slot as shown by the API and CLI.
type ClientView struct {
	distserv.ClientInfo
	Remote   string    `json:"remote,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID           string       `json:"id"`
	StartedAt    time.Time    `json:"started_at"`
	Uptime       string       `json:"uptime"`
	Ticks        uint64       `json:"ticks"`
	FixedRate    int          `json:"fixed_rate_ms"`
	MaxClients   int          `json:"max_clients"`
	ClientCount  int          `json:"client_count"`
	FlowEnabled  bool         `json:"flow_enabled"`
	NoInputMode  bool         `json:"no_input_mode"`
	HighWaterIn  int          `json:"high_water_in"`
	HighWaterOut int          `json:"high_water_out"`
	Clients      []ClientView `json:"clients"`
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.id,
		StartedAt:    s.startedAt,
		Uptime:       time.Since(s.startedAt).Truncate(time.Second).String(),
		Ticks:        s.ticks,
		FixedRate:    s.server.FixedRate(),
		MaxClients:   len(s.slots),
		ClientCount:  s.server.ClientCount(),
		FlowEnabled:  s.server.FlowEnabled(),
		NoInputMode:  s.server.NoInputMode(),
		HighWaterIn:  s.highWaterIn,
		HighWaterOut: s.highWaterOut,
	}
	for _, info := range s.server.Clients() {
		slot := s.slots[info.Index]
		snap.Clients = append(snap.Clients, ClientView{
			ClientInfo: info,
			Remote:     slot.remote,
			JoinedAt:   slot.joinedAt,
		})
	}
	return snap
}

// Client returns the view of slot index.
func (s *Session) Client(index int) (ClientView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.server.Client(index)
	if err != nil {
		return ClientView{}, err
	}
	slot := s.slots[index]
	return ClientView{ClientInfo: info, Remote: slot.remote, JoinedAt: slot.joinedAt}, nil
}

// Sample reads the interval counters of the server, closes the sampling
// interval and publishes the result as a stats.sample event.
func (s *Session) Sample(now time.Time) events.StatsSamplePayload {
	s.mu.Lock()

	sample := events.StatsSamplePayload{SessionID: s.id, Time: now}
	sample.ClientCount, _, _ = s.server.Status(distserv.StatClientCount, 0)
	sample.OutCount, sample.OutValid, _ = s.server.Status(distserv.StatOutbound, 0)
	ninp, _, _ := s.server.Status(distserv.StatNoInput, 0)
	sample.NoInput = ninp != 0

	for _, info := range s.server.Clients() {
		if !info.Active {
			continue
		}
		icnt, icntValid, err := s.server.Status(distserv.StatInbound, info.Index)
		if err != nil {
			continue
		}
		drop, dropValid, err := s.server.Status(distserv.StatDropped, info.Index)
		if err != nil {
			continue
		}
		sample.Clients = append(sample.Clients, events.ClientSample{
			Index:   info.Index,
			Name:    info.Name,
			Drop:    drop,
			InCount: icnt,
			Valid:   icntValid && dropValid,
			Late:    info.Late,
			Ping:    info.Ping,
		})
	}
	s.server.Control(distserv.CtlResetStats, 0)
	s.mu.Unlock()

	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventStatsSample,
		Source:  "session",
		Payload: sample,
	})
	return sample
}
