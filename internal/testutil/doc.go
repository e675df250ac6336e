// Package testutil provides shared fixtures for the provider's tests: a
// registry with representative clients and resources, signing keys, fake clocks,
// PKCE pairs and an HTTP form request helper.
package testutil
