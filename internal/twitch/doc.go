// Package twitch speaks the Twitch EventSub WebSocket protocol.
//
// Transport dials and reads frames, Session interprets envelopes and keeps the
// session id, Reconciler ensures one subscription per intent on the current
// session, TokenManager keeps one identity's credential valid, and Dispatcher
// turns notifications into domain.BotEvent values on an unbounded Queue.
package twitch
