// Package igmp implements the host and router sides of IGMP version 3
// (RFC 3376).
//
// An Engine holds the per-interface protocol state: the groups a host
// wants to receive and the reports it owes, and for a router the
// querier election, the per-group and per-source filter state and the
// last member query cycles. The engine does no I/O of its own. Received
// payloads are handed to HandleDatagram, messages go out through a
// Transport and changes of forwarding state are pushed to a
// ForwardingSink. Time only moves when Tick or Advance is called, which
// makes every behaviour reproducible in tests.
//
// Node runs an Engine on a single goroutine against the wall clock, and
// RawTransport sends and receives IGMP over a raw IPv4 socket with the
// Router Alert option. Wire formats live in the messages package.
//
// Versions 1 and 2 of the protocol are not implemented: their messages
// are counted and dropped.
package igmp
