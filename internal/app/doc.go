// Package app wires the EventSub pipeline into a running bot.
//
// Build bootstraps the bot and broadcaster tokens and assembles the session,
// reconciler and dispatcher; Start supervises the session read loop and one
// token loop per identity. A failing bot identity stops the bot, a failing
// broadcaster is dropped from monitoring.
package app
