// Package oauthd is an OAuth 2.0 authorization server library.
//
// The package is split in three layers:
//
//   - server implements the protocol engine (authorization code
//     issuance with PKCE, the token grant dispatcher, revocation and
//     introspection) against pluggable storage interfaces.
//   - storage defines those interfaces, with in-memory and Valkey
//     backed implementations under storage/memory and storage/valkey.
//   - this root package adapts the engine to net/http: it parses the
//     wire formats, maps engine errors onto RFC 6749 error responses,
//     and registers the endpoint routes.
//
// A minimal server:
//
//	store := memory.New()
//	codec, _ := token.NewCodec(store, store)
//	srv, _ := server.New(server.Stores{
//		Clients:       store,
//		Codes:         store,
//		AccessTokens:  store,
//		RefreshTokens: store,
//		Subjects:      store,
//	}, codec, server.NewConfig("https://auth.example.com"), nil)
//
//	handler := oauthd.NewHandler(srv, nil)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
package oauthd
