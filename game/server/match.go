package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wricardo/dscars/game/protocol"
)

// Player is the match's view of a connected participant
type Player interface {
	ID() string
	Send(msg protocol.Message) bool
}

// MatchInfo is a point-in-time copy of a match's state
type MatchInfo struct {
	ID        int       `json:"id"`
	MapName   string    `json:"map_name"`
	Players   [2]string `json:"players"`
	Started   bool      `json:"started"`
	Crashes   int       `json:"crashes"`
	Left      [2]bool   `json:"left"`
	CreatedAt time.Time `json:"created_at"`
}

// Match pairs two players on one map. Slots are fixed at creation.
type Match struct {
	id        int
	mapName   string
	createdAt time.Time
	players   [2]Player

	logger   *slog.Logger
	metrics  *metrics
	observer Observer
	onEnded  func(*Match)
	span     trace.Span

	mu        sync.Mutex
	ready     [2]bool
	cars      [2]int
	startSent bool
	crashes   int
	left      [2]bool
	ended     bool
}

type matchDeps struct {
	logger   *slog.Logger
	metrics  *metrics
	observer Observer
	onEnded  func(*Match)
}

func newMatch(id int, mapName string, slot1, slot2 Player, deps matchDeps) *Match {
	_, span := tracer.Start(context.Background(), "match",
		trace.WithAttributes(
			attribute.Int("match.id", id),
			attribute.String("match.map", mapName),
			attribute.String("match.slot1", slot1.ID()),
			attribute.String("match.slot2", slot2.ID()),
		))

	logger := deps.logger
	if logger == nil {
		logger = slog.Default().With("component", "match")
	}

	m := &Match{
		id:        id,
		mapName:   mapName,
		createdAt: time.Now(),
		players:   [2]Player{slot1, slot2},
		logger:    logger.With("match_id", id, "map", mapName),
		metrics:   deps.metrics,
		observer:  deps.observer,
		onEnded:   deps.onEnded,
		span:      span,
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	return m
}

// ID returns the match id
func (m *Match) ID() int { return m.id }

// MapName returns the map both players asked for
func (m *Match) MapName() string { return m.mapName }

// SlotOf returns the slot p occupies, or 0 if p is not a member
func (m *Match) SlotOf(p Player) int {
	for i, member := range m.players {
		if member == p {
			return i + 1
		}
	}
	return 0
}

func slotIndex(slot int) (int, bool) {
	if slot != protocol.Slot1 && slot != protocol.Slot2 {
		return 0, false
	}
	return slot - 1, true
}

// Ready records that the player in slot has picked carIndex. When both
// slots are ready the start message is queued to each player, carrying the
// opponent's car and the receiver's slot. This happens at most once.
func (m *Match) Ready(slot, carIndex int) {
	i, ok := slotIndex(slot)
	if !ok {
		m.logger.Warn("ready from invalid slot", "slot", slot)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready[i] = true
	m.cars[i] = carIndex
	m.logger.Debug("player ready", "slot", slot, "car", carIndex)

	if !m.ready[0] || !m.ready[1] || m.startSent {
		return
	}

	// Both start messages go onto the FIFO outbound queues before startSent
	// flips, so no relayed message can overtake them.
	for i, p := range m.players {
		opponentCar := m.cars[1-i]
		if !p.Send(protocol.NewMapResponse(m.mapName, opponentCar, i+1)) {
			m.logger.Warn("could not queue start message", "slot", i+1, "session_id", p.ID())
		}
	}
	m.startSent = true
	m.span.AddEvent("start sent")
	m.logger.Info("both players ready, start sent",
		"slot1_car", m.cars[0], "slot2_car", m.cars[1])

	e := newEvent(EventMatchStarted)
	e.MatchID = m.id
	e.MapName = m.mapName
	m.observer.Notify(e)
}

// Relay forwards msg from senderSlot to the other player. Nothing is relayed
// before the start handshake completes or after the first crash.
func (m *Match) Relay(senderSlot int, msg protocol.Message) bool {
	i, ok := slotIndex(senderSlot)
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.startSent {
		return false
	}

	forward := m.crashes < 1
	if msg.Kind == protocol.InGameCrash {
		m.crashes++
		m.span.AddEvent("crash", trace.WithAttributes(attribute.Int("slot", senderSlot)))
		m.logger.Info("crash reported", "slot", senderSlot, "crashes", m.crashes)
	}
	if !forward {
		return false
	}

	if !m.players[1-i].Send(msg) {
		return false
	}
	m.metrics.relayed.WithLabelValues(msg.Kind.String()).Inc()
	return true
}

// PlayerLeft marks slot as gone. The remaining player is told unless a
// crash already ended the game. Once both slots have left the match's owner
// is notified, exactly once.
func (m *Match) PlayerLeft(slot int) {
	i, ok := slotIndex(slot)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.left[i] {
		m.mu.Unlock()
		return
	}
	m.left[i] = true

	if !m.left[1-i] && m.crashes < 1 {
		other := m.players[1-i]
		if other.Send(protocol.NewPlayerDropped()) {
			m.logger.Info("player left, opponent notified", "slot", slot, "opponent_slot", 2-i)
		} else {
			m.logger.Warn("player left, could not notify opponent", "slot", slot, "opponent_slot", 2-i)
		}
	} else {
		m.logger.Info("player left", "slot", slot)
	}

	over := m.left[0] && m.left[1] && !m.ended
	if over {
		m.ended = true
	}
	m.mu.Unlock()

	e := newEvent(EventPlayerLeft)
	e.MatchID = m.id
	e.Slot = slot
	m.observer.Notify(e)

	if over {
		m.logger.Info("both players left")
		m.span.End()
		if m.onEnded != nil {
			m.onEnded(m)
		}
	}
}

// Info returns a snapshot of the match
func (m *Match) Info() MatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MatchInfo{
		ID:        m.id,
		MapName:   m.mapName,
		Players:   [2]string{m.players[0].ID(), m.players[1].ID()},
		Started:   m.startSent,
		Crashes:   m.crashes,
		Left:      m.left,
		CreatedAt: m.createdAt,
	}
}
