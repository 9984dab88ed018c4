package protocol

import (
	"errors"
	"testing"
)

func TestKindWireValues(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
		name     string
	}{
		{Hello, 0, "hello"},
		{Goodbye, 1, "goodbye"},
		{LookingForOpponent, 2, "looking_for_opponent"},
		{CancelLookingForOpponent, 3, "cancel_looking_for_opponent"},
		{OpponentFoundStartGame, 4, "opponent_found_start_game"},
		{InGamePositionUpdate, 6, "in_game_position_update"},
		{InGameCrash, 7, "in_game_crash"},
		{PlayerDropped, 8, "player_dropped"},
		{MatchEnded, 9, "match_ended"},
		{ServerDown, 10, "server_down"},
	}

	for _, test := range tests {
		if int(test.kind) != test.expected {
			t.Errorf("%s: expected wire value %d, got %d", test.name, test.expected, int(test.kind))
		}
		if test.kind.String() != test.name {
			t.Errorf("Expected name %s, got %s", test.name, test.kind.String())
		}
		if !test.kind.Known() {
			t.Errorf("%s should be known", test.name)
		}
	}
}

func TestKindUnknown(t *testing.T) {
	k := Kind(5)
	if k.Known() {
		t.Error("Kind 5 is unassigned and should not be known")
	}
	if k.String() != "kind(5)" {
		t.Errorf("Expected kind(5), got %s", k.String())
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"hello", NewHello(), nil},
		{"map request", NewMapRequest("Easy", 1), nil},
		{"map request without payload", Message{Kind: LookingForOpponent}, ErrMissingPayload},
		{"map response", NewMapResponse("Easy", 2, Slot1), nil},
		{"map response without payload", Message{Kind: OpponentFoundStartGame}, ErrMissingPayload},
		{"status update", NewStatusUpdate(CarStatusUpdate{X: 10, Y: 20}), nil},
		{"status update without payload", Message{Kind: InGamePositionUpdate}, ErrMissingPayload},
		{"unknown kind", Message{Kind: 42}, ErrUnknownKind},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.msg.Validate()
			if test.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Fatalf("Expected %v, got %v", test.wantErr, err)
			}
		})
	}
}

func TestNewMapResponseCarriesOpponentCar(t *testing.T) {
	msg := NewMapResponse("Medium", 3, Slot2)

	if msg.Kind != OpponentFoundStartGame {
		t.Fatalf("Expected OpponentFoundStartGame, got %s", msg.Kind)
	}
	if msg.MapResponse.CarDesignIndex != 3 {
		t.Errorf("Expected opponent car 3, got %d", msg.MapResponse.CarDesignIndex)
	}
	if msg.MapResponse.AssignedSlot != Slot2 {
		t.Errorf("Expected slot 2, got %d", msg.MapResponse.AssignedSlot)
	}
	if msg.MapResponse.MapName != "Medium" {
		t.Errorf("Expected map Medium, got %s", msg.MapResponse.MapName)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Message{NewInGameCrash(), NewPlayerDropped(), NewServerDown()}
	for _, m := range terminal {
		if !m.IsTerminal() {
			t.Errorf("%s should be terminal", m.Kind)
		}
	}

	other := []Message{NewHello(), NewStatusUpdate(CarStatusUpdate{}), NewMatchEnded()}
	for _, m := range other {
		if m.IsTerminal() {
			t.Errorf("%s should not be terminal", m.Kind)
		}
	}
}
