// Package memory provides the in-memory FlowStore that holds pending authorizations
// and issued authorization codes.
//
// Every pop and consume runs under a single mutex, so a given provider state or
// authorization code can be used at most once even under concurrent requests.
// Expired entries are treated as absent on lookup and purged by a background loop.
//
// Example usage:
//
//	flows := memory.New()
//	defer flows.Stop()
package memory
