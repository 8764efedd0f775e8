package models

import "time"

// Connection history events
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

type User struct {
	ID           int64
	Login        string
	PasswordHash string
	PublicKey    string
	LastConnect  time.Time
}

type ActiveSession struct {
	Login       string
	IP          string
	Port        int
	ConnectTime time.Time
}

type ConnectionEvent struct {
	ID        int64
	Login     string
	IP        string
	Port      int
	Event     string // "connect" or "disconnect"
	Timestamp time.Time
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
}

type ActionCounters struct {
	Login    string
	Sent     int64
	Received int64
}
