package server

import (
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/wricardo/dscars/game/protocol"
)

// member is a lobby participant that can be assigned to a match
type member interface {
	Player
	assignMatch(m *Match, slot, carIndex int)
	matchEnded(m *Match)
}

// LobbyEntry describes a player waiting for an opponent
type LobbyEntry struct {
	SessionID      string    `json:"session_id"`
	MapName        string    `json:"map_name"`
	CarDesignIndex int       `json:"car_design_index"`
	WaitingSince   time.Time `json:"waiting_since"`
}

type lobbyEntry struct {
	member   member
	request  protocol.MapRequest
	joinedAt time.Time
}

type joinRequest struct {
	member  member
	request protocol.MapRequest
}

type lobbySnapshot struct {
	entries []LobbyEntry
	matches []MatchInfo
}

// lobby is an actor: one goroutine owns the waiting list and the live match
// set, and every other goroutine talks to it over channels.
type lobby struct {
	logger   *slog.Logger
	metrics  *metrics
	observer Observer
	nextID   func() int

	join      chan joinRequest
	leave     chan member
	ended     chan *Match
	snapshots chan chan lobbySnapshot
	done      chan struct{}
	stopped   chan struct{}

	// owned by run
	entries []lobbyEntry
	matches map[*Match]struct{}
}

func newLobby(logger *slog.Logger, m *metrics, observer Observer, nextID func() int) *lobby {
	return &lobby{
		logger:    logger,
		metrics:   m,
		observer:  observer,
		nextID:    nextID,
		join:      make(chan joinRequest),
		leave:     make(chan member),
		ended:     make(chan *Match),
		snapshots: make(chan chan lobbySnapshot),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		matches:   make(map[*Match]struct{}),
	}
}

// Join adds p to the lobby unless it is already waiting
func (l *lobby) Join(p member, req protocol.MapRequest) {
	select {
	case l.join <- joinRequest{member: p, request: req}:
	case <-l.done:
	}
}

// Leave removes p from the lobby if present
func (l *lobby) Leave(p member) {
	select {
	case l.leave <- p:
	case <-l.done:
	}
}

// matchOver is the onEnded hook handed to every match
func (l *lobby) matchOver(m *Match) {
	select {
	case l.ended <- m:
	case <-l.done:
	}
}

// Snapshot returns the waiting players in join order and the live matches
// ordered by id. A stopped lobby is empty.
func (l *lobby) Snapshot() ([]LobbyEntry, []MatchInfo) {
	reply := make(chan lobbySnapshot, 1)
	select {
	case l.snapshots <- reply:
	case <-l.done:
		return nil, nil
	}
	select {
	case snap := <-reply:
		return snap.entries, snap.matches
	case <-l.stopped:
		return nil, nil
	}
}

// Stop ends the actor and drops every entry and match
func (l *lobby) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	<-l.stopped
}

func (l *lobby) run() {
	defer close(l.stopped)

	for {
		select {
		case r := <-l.join:
			l.handleJoin(r)
		case p := <-l.leave:
			l.handleLeave(p)
		case m := <-l.ended:
			l.handleEnded(m)
		case reply := <-l.snapshots:
			reply <- l.snapshot()
		case <-l.done:
			l.logger.Debug("lobby stopped",
				"waiting", len(l.entries), "matches", len(l.matches))
			l.entries = nil
			l.matches = nil
			l.metrics.lobbyWaiting.Set(0)
			l.metrics.matchesLive.Set(0)
			return
		}
	}
}

func (l *lobby) indexOf(p member) int {
	return slices.IndexFunc(l.entries, func(e lobbyEntry) bool { return e.member == p })
}

func (l *lobby) handleJoin(r joinRequest) {
	if l.indexOf(r.member) >= 0 {
		l.logger.Debug("player already in lobby", "session_id", r.member.ID())
		return
	}

	l.entries = append(l.entries, lobbyEntry{
		member:   r.member,
		request:  r.request,
		joinedAt: time.Now(),
	})
	l.metrics.lobbyWaiting.Set(float64(len(l.entries)))
	l.logger.Info("player joined lobby",
		"session_id", r.member.ID(), "map", r.request.MapName, "waiting", len(l.entries))

	e := newEvent(EventLobbyJoined)
	e.SessionID = r.member.ID()
	e.MapName = r.request.MapName
	l.observer.Notify(e)

	l.pair(len(l.entries) - 1)
}

// pair scans the entries that joined before newest, in join order, and
// matches newest with the first one waiting for the same map.
func (l *lobby) pair(newest int) {
	arrival := l.entries[newest]

	waiting := slices.IndexFunc(l.entries[:newest], func(e lobbyEntry) bool {
		return e.request.MapName == arrival.request.MapName && e.member != arrival.member
	})
	if waiting < 0 {
		return
	}
	first := l.entries[waiting]

	// newest > waiting, delete the later index first
	l.entries = slices.Delete(l.entries, newest, newest+1)
	l.entries = slices.Delete(l.entries, waiting, waiting+1)

	id := l.nextID()
	m := newMatch(id, arrival.request.MapName, first.member, arrival.member, matchDeps{
		logger:   l.logger,
		metrics:  l.metrics,
		observer: l.observer,
		onEnded:  l.matchOver,
	})
	l.matches[m] = struct{}{}

	l.metrics.lobbyWaiting.Set(float64(len(l.entries)))
	l.metrics.matchesLive.Set(float64(len(l.matches)))
	l.metrics.matchesTotal.Inc()
	l.logger.Info("match created",
		"match_id", id,
		"map", arrival.request.MapName,
		"slot1", first.member.ID(),
		"slot2", arrival.member.ID())

	e := newEvent(EventMatchCreated)
	e.MatchID = id
	e.MapName = arrival.request.MapName
	e.Detail = first.member.ID() + " vs " + arrival.member.ID()
	l.observer.Notify(e)

	first.member.assignMatch(m, protocol.Slot1, first.request.CarDesignIndex)
	arrival.member.assignMatch(m, protocol.Slot2, arrival.request.CarDesignIndex)
}

func (l *lobby) handleLeave(p member) {
	i := l.indexOf(p)
	if i < 0 {
		return
	}
	entry := l.entries[i]
	l.entries = slices.Delete(l.entries, i, i+1)
	l.metrics.lobbyWaiting.Set(float64(len(l.entries)))
	l.logger.Info("player left lobby", "session_id", p.ID(), "map", entry.request.MapName)

	e := newEvent(EventLobbyLeft)
	e.SessionID = p.ID()
	e.MapName = entry.request.MapName
	l.observer.Notify(e)
}

func (l *lobby) handleEnded(m *Match) {
	if _, ok := l.matches[m]; !ok {
		return
	}
	delete(l.matches, m)
	l.metrics.matchesLive.Set(float64(len(l.matches)))
	l.logger.Info("match removed", "match_id", m.ID(), "live", len(l.matches))

	for _, p := range m.players {
		if mb, ok := p.(member); ok {
			mb.matchEnded(m)
		}
	}

	e := newEvent(EventMatchEnded)
	e.MatchID = m.ID()
	e.MapName = m.MapName()
	l.observer.Notify(e)
}

func (l *lobby) snapshot() lobbySnapshot {
	entries := lo.Map(l.entries, func(e lobbyEntry, _ int) LobbyEntry {
		return LobbyEntry{
			SessionID:      e.member.ID(),
			MapName:        e.request.MapName,
			CarDesignIndex: e.request.CarDesignIndex,
			WaitingSince:   e.joinedAt,
		}
	})
	matches := lo.Map(lo.Keys(l.matches), func(m *Match, _ int) MatchInfo {
		return m.Info()
	})
	slices.SortFunc(matches, func(a, b MatchInfo) int { return a.ID - b.ID })
	return lobbySnapshot{entries: entries, matches: matches}
}
