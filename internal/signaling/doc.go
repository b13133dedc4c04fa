// Package signaling defines the offer/answer/candidate message exchange used
// to establish the direct data channel, the Relay interface that carries it,
// and two relay implementations: one over the session directory's
// store-and-forward feed and one over a WebSocket relay server.
//
// Sequencing: the initiating side creates the data channel and sends its
// offer before any candidate; the responder never creates the channel. Both
// sides may emit candidates at any point after negotiation begins, so
// receivers must buffer candidates per sender until a remote description is
// set (internal/peer owns that buffering).
//
// Glare cannot occur in the current design because the console is the sole
// initiator by convention. A future symmetric mode must add a deterministic
// tie-break before allowing either side to initiate: on receiving an offer
// while an own offer is outstanding, the peer with the lower device id
// abandons its attempt and answers the higher id's offer.
package signaling
