// Package mocks provides mock implementations for testing purposes.
package mocks

//go:generate mockgen -destination=mock_gateway.go -package=mocks github.com/corray333/backend-labs/delivery/internal/dal/gateway Gateway,Factory
