// Package util provides small helpers shared across the provider packages:
// log-safe truncation, opaque handle generation, and URI comparison.
package util
