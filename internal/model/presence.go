package model

import "time"

// PresenceStatus 在线状态，取值与线上协议一致
type PresenceStatus string

const (
	Online  PresenceStatus = "Online"
	Offline PresenceStatus = "Offline"
)

// Presence 用户在线记录
type Presence struct {
	Identity    string         `json:"identity"`
	Status      PresenceStatus `json:"status"`
	LastLoginAt time.Time      `json:"lastLoginAt"`
}
