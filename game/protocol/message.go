package protocol

import (
	"errors"
	"fmt"
)

// Kind identifies what a message means and which payload it carries
type Kind int

// Wire values are fixed; 5 is unassigned.
const (
	Hello                    Kind = 0
	Goodbye                  Kind = 1
	LookingForOpponent       Kind = 2
	CancelLookingForOpponent Kind = 3
	OpponentFoundStartGame   Kind = 4
	InGamePositionUpdate     Kind = 6
	InGameCrash              Kind = 7
	PlayerDropped            Kind = 8
	MatchEnded               Kind = 9
	ServerDown               Kind = 10
)

// Player slots inside a match
const (
	Slot1 = 1
	Slot2 = 2
)

var (
	ErrMissingPayload = errors.New("message payload missing")
	ErrUnknownKind    = errors.New("unknown message kind")
)

var kindNames = map[Kind]string{
	Hello:                    "hello",
	Goodbye:                  "goodbye",
	LookingForOpponent:       "looking_for_opponent",
	CancelLookingForOpponent: "cancel_looking_for_opponent",
	OpponentFoundStartGame:   "opponent_found_start_game",
	InGamePositionUpdate:     "in_game_position_update",
	InGameCrash:              "in_game_crash",
	PlayerDropped:            "player_dropped",
	MatchEnded:               "match_ended",
	ServerDown:               "server_down",
}

// String returns the snake-case name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Known reports whether k is part of the protocol
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// MapRequest asks the server for an opponent on a map
type MapRequest struct {
	MapName        string `json:"map_name" msgpack:"map_name"`
	CarDesignIndex int    `json:"car_design_index" msgpack:"car_design_index"`
}

// MapResponse announces a match. CarDesignIndex is the opponent's design,
// not the receiver's own.
type MapResponse struct {
	MapName        string `json:"map_name" msgpack:"map_name"`
	CarDesignIndex int    `json:"car_design_index" msgpack:"car_design_index"`
	AssignedSlot   int    `json:"assigned_slot" msgpack:"assigned_slot"`
}

// CarStatusUpdate is the periodic car record produced by the physics engine.
// The network layer carries it without interpreting any field.
type CarStatusUpdate struct {
	AngleDegrees   float32 `json:"angle_degrees" msgpack:"angle_degrees"`
	X              int     `json:"x" msgpack:"x"`
	Y              int     `json:"y" msgpack:"y"`
	VirtualSpeed   int     `json:"virtual_speed" msgpack:"virtual_speed"`
	IsAccelerating bool    `json:"is_accelerating" msgpack:"is_accelerating"`
	ImpactSound    bool    `json:"impact_sound" msgpack:"impact_sound"`
}

// Message is the envelope exchanged over a connection
type Message struct {
	Kind        Kind             `json:"kind" msgpack:"kind"`
	MapRequest  *MapRequest      `json:"map_request,omitempty" msgpack:"map_request,omitempty"`
	MapResponse *MapResponse     `json:"map_response,omitempty" msgpack:"map_response,omitempty"`
	CarStatus   *CarStatusUpdate `json:"car_status,omitempty" msgpack:"car_status,omitempty"`
}

// Validate checks that the payload required by the kind is present.
// Unknown kinds are reported with ErrUnknownKind.
func (m Message) Validate() error {
	switch m.Kind {
	case LookingForOpponent:
		if m.MapRequest == nil {
			return fmt.Errorf("%w: %s", ErrMissingPayload, m.Kind)
		}
	case OpponentFoundStartGame:
		if m.MapResponse == nil {
			return fmt.Errorf("%w: %s", ErrMissingPayload, m.Kind)
		}
	case InGamePositionUpdate:
		if m.CarStatus == nil {
			return fmt.Errorf("%w: %s", ErrMissingPayload, m.Kind)
		}
	default:
		if !m.Kind.Known() {
			return fmt.Errorf("%w: %d", ErrUnknownKind, int(m.Kind))
		}
	}
	return nil
}

// IsTerminal reports whether the message ends an in-game update stream
func (m Message) IsTerminal() bool {
	return m.Kind == InGameCrash || m.Kind == PlayerDropped || m.Kind == ServerDown
}

func bare(k Kind) Message { return Message{Kind: k} }

func NewHello() Message                    { return bare(Hello) }
func NewGoodbye() Message                  { return bare(Goodbye) }
func NewCancelLookingForOpponent() Message { return bare(CancelLookingForOpponent) }
func NewInGameCrash() Message              { return bare(InGameCrash) }
func NewPlayerDropped() Message            { return bare(PlayerDropped) }
func NewMatchEnded() Message               { return bare(MatchEnded) }
func NewServerDown() Message               { return bare(ServerDown) }

// NewMapRequest builds a LookingForOpponent message
func NewMapRequest(mapName string, carDesignIndex int) Message {
	return Message{
		Kind:       LookingForOpponent,
		MapRequest: &MapRequest{MapName: mapName, CarDesignIndex: carDesignIndex},
	}
}

// NewMapResponse builds an OpponentFoundStartGame message for the player in
// slot. opponentCar is the design chosen by the other player.
func NewMapResponse(mapName string, opponentCar, slot int) Message {
	return Message{
		Kind: OpponentFoundStartGame,
		MapResponse: &MapResponse{
			MapName:        mapName,
			CarDesignIndex: opponentCar,
			AssignedSlot:   slot,
		},
	}
}

// NewStatusUpdate builds an InGamePositionUpdate message
func NewStatusUpdate(update CarStatusUpdate) Message {
	return Message{Kind: InGamePositionUpdate, CarStatus: &update}
}
