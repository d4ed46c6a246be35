// Package session tracks live gateway connections. A session binds one
// WebSocket connection to the user it identified as and records which server
// instance holds it, backed by Redis with a sliding TTL.
package session
