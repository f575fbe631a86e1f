// Package ws carries gateway connections over WebSocket.
//
// Every frame in both directions is a JSON object {"event": string,
// "data": any}. Inbound frames are dispatched to the gateway one at a time,
// in arrival order, on the connection's read goroutine. Outbound frames go
// through a bounded queue drained by a write goroutine; a client whose queue
// overflows is disconnected.
//
// The transport answers "ping" frames with "pong" itself and keeps the
// socket alive with WebSocket control pings.
package ws
