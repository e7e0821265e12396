// Package storage defines the repository contracts for the authorization
// server core: login transactions, upstream login transactions, authorization
// codes, OIDC sessions, refresh-token families, and registered clients.
// It supports various backend implementations including in-memory and Valkey.
package storage
