// Package protocol defines the wire protocol spoken between DS Cars clients
// and the matchmaking server.
//
// The protocol package implements:
//   - The closed set of message kinds and their payload variants
//   - Constructors for every message kind
//   - Payload validation for received messages
//   - Stream codecs (JSON and msgpack) framed by the codec's own object boundary
//
// Message Protocol:
//
// Every message is a Message value whose Kind says which payload, if any, is
// attached:
//   - LookingForOpponent carries a MapRequest
//   - OpponentFoundStartGame carries a MapResponse
//   - InGamePositionUpdate carries a CarStatusUpdate
//   - all other kinds are bare
//
// Framing:
//
// Messages travel over a single ordered TCP stream. No length prefix is added;
// the JSON codec writes one object per message and reads them back with a
// streaming decoder, the msgpack codec does the same with msgpack values.
// Both peers must agree on the codec.
//
// Usage:
//
//	codec, err := protocol.CodecByName("json")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	enc := codec.NewEncoder(conn)
//	enc.Encode(protocol.NewMapRequest("Easy", 2))
//
//	dec := codec.NewDecoder(conn)
//	var msg protocol.Message
//	if err := dec.Decode(&msg); err != nil {
//		// transport or framing fault
//	}
//
// Unknown Kinds:
//
// Decoding never rejects an unknown kind. Receivers are expected to log the
// message and keep the connection open.
package protocol
