package server

import "time"

// EventType names a state change observable from outside the server
type EventType string

const (
	EventServerUp      EventType = "server_up"
	EventServerDown    EventType = "server_down"
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"
	EventLobbyJoined   EventType = "lobby_joined"
	EventLobbyLeft     EventType = "lobby_left"
	EventMatchCreated  EventType = "match_created"
	EventMatchStarted  EventType = "match_started"
	EventPlayerLeft    EventType = "player_left"
	EventMatchEnded    EventType = "match_ended"
)

// Event is one entry of the server's live feed
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	MatchID   int       `json:"match_id,omitempty"`
	MapName   string    `json:"map_name,omitempty"`
	Slot      int       `json:"slot,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Observer receives server events. Notify is called from server goroutines
// and must not block.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(e Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Observers fans one event out to several observers in order
type Observers []Observer

func (o Observers) Notify(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Notify(Event) {}

func newEvent(t EventType) Event {
	return Event{Type: t, Time: time.Now()}
}
