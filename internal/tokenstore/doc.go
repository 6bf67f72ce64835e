// Package tokenstore protects an OAuth bearer-token blob kept in a persistent
// key-value store that any code sharing the origin can read.
//
// Tokens are sealed into an envelope "iv:ciphertext:mac" (AES-256-CBC, HMAC-SHA256
// over iv||ciphertext, encrypt-then-MAC) and expire 24 hours after they are stored.
// The MAC is verified before the ciphertext is trusted. Any corruption, expiry or
// decode failure purges the slot: callers only ever see "token" or "no token".
//
// The encryption and MAC secrets are static values injected from configuration and
// shipped with the client. They are equally readable by anyone holding the deployed
// build, so the envelope only keeps tokens away from casual local inspection. It is
// not a secrets-management scheme: code running with the store's privileges can
// always call Retrieve.
//
// Envelopes written by older clients (base64 JSON without a MAC) are still decoded,
// with their own embedded 24h age check.
//
// Security-relevant events are appended to an EventSink, a capped log of the ten
// most recent events used for local diagnostics and abuse heuristics.
package tokenstore
