// Package domain defines the core domain types and interfaces.
//
// Identities and their credentials, subscription intents, and the BotEvent
// union handed to downstream consumers. No implementation code, just contracts.
package domain
