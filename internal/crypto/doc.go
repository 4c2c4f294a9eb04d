// Package crypto seals OAuth tokens before the token stores write them.
//
// AesGcmService (production) binds each ciphertext to the identity login;
// NoopService is a plaintext passthrough for local development and tests.
package crypto
