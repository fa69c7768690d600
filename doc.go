// Package wsserver is a standalone WebSocket application server.
//
// A Server accepts TCP connections through a transport driver, performs
// the RFC 6455 opening handshake and decodes masked text frames from
// clients. Application code implements Handler, or registers Modules on
// a Mux, and sends messages back with SendTo, Broadcast or NewMessage.
//
// Outbound messages are written as a sequence of unfragmented text
// frames of at most 125 payload bytes each.
//
// See https://tools.ietf.org/html/rfc6455
package wsserver
