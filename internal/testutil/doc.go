// Package testutil provides testing utilities and fixtures for the broker.
package testutil
