// Package client provides the game-side connection to a DS Cars server.
//
// The client package implements:
//   - Connecting, greeting and disconnecting with a goodbye
//   - Asynchronous matchmaking with map changes while waiting
//   - Fire-and-forget car status updates
//   - A listener that hands the opponent's updates to the game
//
// Concurrency:
//
// Each connection has one reader and one writer goroutine. The reader
// decodes every message into an inbox; the matchmaking waiter and the
// update listener take their messages from there, so stopping either one
// never has to interrupt a socket read. Callbacks are never run on these
// goroutines. They go through Options.Deliver, which by default runs them
// one at a time on a goroutine of its own.
//
// Usage:
//
//	c := client.New(client.Options{
//		Callbacks: client.Callbacks{
//			OpponentFound: func(resp protocol.MapResponse) {
//				game.Start(resp.MapName, resp.CarDesignIndex, resp.AssignedSlot)
//			},
//		},
//	})
//	if err := c.Connect(ctx, "localhost", 24816); err != nil {
//		return err
//	}
//	defer c.Close(true)
//
//	c.RequestOpponent("Easy", 2)
package client
