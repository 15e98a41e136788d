// Package valkey provides a Valkey-backed storage implementation for
// multi-instance deployments.
//
// # Key layout
//
// All keys carry a configurable prefix (default "oauthd:"):
//
//	{prefix}client:{client_id}        registered client, JSON
//	{prefix}code:{code}               authorization code, JSON, TTL-bound
//	{prefix}at:{hash}                 access token record, JSON, TTL-bound
//	{prefix}rt:{hash}                 refresh token record, JSON, TTL-bound
//	{prefix}rtidx:{refresh_hash}      set of access token hashes minted
//	                                  from that refresh token
//	{prefix}subject:{id}              subject claims, JSON
//
// # Atomicity
//
// Authorization code consumption must admit exactly one winner among
// concurrent redemptions. A Lua script performs the check-and-mark in
// a single server-side step; every other caller observes the consumed
// record and receives storage.ErrCodeConsumed.
//
// Expiry is enforced twice: keys carry a TTL, and records embed their
// expires_at so a key that outlives its logical expiry is still
// rejected.
package valkey
