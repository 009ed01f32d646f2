// Package crypto implements the envelope primitives shared by snapshots,
// updates and ephemeral messages: XChaCha20-Poly1305 encryption with a zero
// commitment prefix, Ed25519 detached signatures over canonical JSON with a
// domain context, BLAKE2b hashing and random identifiers.
//
// All binary values cross the wire as unpadded URL-safe base64.
package crypto
