// Package ninchat implements a client session engine for a real-time
// chat service exposed over a framed WebSocket transport: session
// lifecycle (create, resume, terminate), reliable outbound action
// delivery with retries and acknowledgments, inbound event assembly
// and dispatch, and a reply-callback registry for request/reply style
// actions layered on top of an otherwise one-way event stream.
//
// A Session is opened once, stays alive across transport drops by
// reconnecting and resuming the server-held session, and exposes both
// a callback-shaped facade (OnEvent, OnSessionEvent, OnClose,
// OnConnState, OnConnActive) and a channel-shaped one (Events) onto
// the same underlying engine.
package ninchat
