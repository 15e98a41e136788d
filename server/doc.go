// Package server implements the authorization server protocol engine:
// authorization request handling, authorization code issuance, the
// token exchange dispatcher for the supported grant types, token
// revocation, and introspection.
//
// The package is transport-agnostic. HTTP parsing and serialization
// live in the root oauth package; everything here operates on parsed
// request structs and returns domain results or *Error values carrying
// the protocol error taxonomy.
package server
