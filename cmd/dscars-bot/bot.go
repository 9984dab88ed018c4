package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/wricardo/dscars/game/client"
	"github.com/wricardo/dscars/game/protocol"
)

// Outcome says how a bot's race ended
type Outcome string

const (
	OutcomeFinished      Outcome = "finished"
	OutcomeCrashed       Outcome = "crashed"
	OutcomeOpponentLeft  Outcome = "opponent_left"
	OutcomeOpponentCrash Outcome = "opponent_crashed"
	OutcomeServerDown    Outcome = "server_down"
)

var ErrConnectionLost = errors.New("connection to the server lost")

// BotConfig describes one bot run
type BotConfig struct {
	Host     string
	Port     int
	Map      string
	Car      int
	Interval time.Duration
	Updates  int
	// Crash reports a crash after the last update instead of leaving
	Crash bool
}

// Result summarizes a bot run
type Result struct {
	Match    protocol.MapResponse
	Sent     int
	Received int64
	Outcome  Outcome
	Duration time.Duration
}

// Bot drives a game client through one matchmaking round and one race,
// sending a car moving along a circle.
type Bot struct {
	cfg    BotConfig
	client *client.Client
	logger *slog.Logger

	found    chan protocol.MapResponse
	ended    chan Outcome
	lost     chan error
	received atomic.Int64
}

// NewBot creates a bot using codec for the wire format
func NewBot(cfg BotConfig, codec protocol.Codec, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bot{
		cfg:    cfg,
		logger: logger.With("component", "bot", "map", cfg.Map),
		found:  make(chan protocol.MapResponse, 1),
		ended:  make(chan Outcome, 1),
		lost:   make(chan error, 1),
	}
	b.client = client.New(client.Options{
		Codec:  codec,
		Logger: logger,
		Callbacks: client.Callbacks{
			OpponentFound: func(resp protocol.MapResponse) {
				select {
				case b.found <- resp:
				default:
				}
			},
			SendFailed: func(err error) {
				b.logger.Warn("send failed", "error", err)
			},
			ConnectionLost: func(err error) {
				select {
				case b.lost <- err:
				default:
				}
			},
		},
	})
	return b
}

// Run connects, waits for an opponent and races until the configured number
// of updates is sent or the race ends early.
func (b *Bot) Run(ctx context.Context) (*Result, error) {
	started := time.Now()

	if err := b.client.Connect(ctx, b.cfg.Host, b.cfg.Port); err != nil {
		return nil, err
	}
	defer b.client.Close(true)

	if err := b.client.RequestOpponent(b.cfg.Map, b.cfg.Car); err != nil {
		return nil, fmt.Errorf("failed to request an opponent: %w", err)
	}
	b.logger.Info("waiting for an opponent", "car", b.cfg.Car)

	var match protocol.MapResponse
	select {
	case match = <-b.found:
	case err := <-b.lost:
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case <-ctx.Done():
		b.client.LeaveLobby()
		return nil, ctx.Err()
	}
	b.logger.Info("opponent found", "slot", match.AssignedSlot, "opponent_car", match.CarDesignIndex)

	if err := b.client.StartListening(b.sink()); err != nil {
		return nil, err
	}

	result := &Result{Match: match, Outcome: OutcomeFinished}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

race:
	for result.Sent < b.cfg.Updates {
		select {
		case <-ticker.C:
			if err := b.client.SendStatusUpdate(carOnCircle(match.AssignedSlot, result.Sent)); err != nil {
				b.logger.Debug("update not sent", "error", err)
				continue
			}
			result.Sent++

		case outcome := <-b.ended:
			result.Outcome = outcome
			break race

		case err := <-b.lost:
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case <-ctx.Done():
			b.client.LeaveLobby()
			return nil, ctx.Err()
		}
	}

	if result.Outcome == OutcomeFinished {
		if b.cfg.Crash {
			if err := b.client.ReportCrash(); err != nil {
				return nil, err
			}
			result.Outcome = OutcomeCrashed
		} else if err := b.client.LeaveLobby(); err != nil {
			b.logger.Debug("leave failed", "error", err)
		}
	}

	result.Received = b.received.Load()
	result.Duration = time.Since(started)
	b.logger.Info("race over",
		"outcome", result.Outcome,
		"sent", result.Sent,
		"received", result.Received,
		"duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

func (b *Bot) sink() client.UpdateSink {
	end := func(o Outcome) func() {
		return func() {
			select {
			case b.ended <- o:
			default:
			}
		}
	}

	return client.UpdateSink{
		OnUpdate: func(protocol.CarStatusUpdate) {
			b.received.Add(1)
		},
		OnCrash:        end(OutcomeOpponentCrash),
		OnOpponentLeft: end(OutcomeOpponentLeft),
		OnServerDown:   end(OutcomeServerDown),
	}
}

// carOnCircle places the car on a circle, one degree per step. The slot
// picks the lane.
func carOnCircle(slot, step int) protocol.CarStatusUpdate {
	radius := 100.0 + 20.0*float64(slot)
	angle := float64(step % 360)
	rad := angle * math.Pi / 180

	return protocol.CarStatusUpdate{
		AngleDegrees:   float32(math.Mod(angle+90, 360)),
		X:              int(math.Round(200 + radius*math.Cos(rad))),
		Y:              int(math.Round(200 + radius*math.Sin(rad))),
		VirtualSpeed:   8,
		IsAccelerating: true,
	}
}
