package model

import (
	"time"
)

// RequestStatistics summarises request volume and approval backlog over a time range
type RequestStatistics struct {
	TotalRequests      int                       `json:"total_requests"`
	ByStatus           map[string]int            `json:"by_status"`
	ByType             map[string]map[string]int `json:"by_type"` // type -> overall status -> count
	PendingByStage     []StageBacklog            `json:"pending_by_stage"`
	SMSByStatus        map[string]int            `json:"sms_by_status"`
	TimeRangeStartDate time.Time                 `json:"time_range_start_date"`
	TimeRangeEndDate   time.Time                 `json:"time_range_end_date"`
}

// RequestCount is one row of the type/status breakdown
type RequestCount struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// StageBacklog counts open requests waiting at one stage, with the oldest wait
type StageBacklog struct {
	Stage    string     `json:"stage"`
	Count    int        `json:"count"`
	OldestAt *time.Time `json:"oldest_at"`
}

// StatusCount is a generic status/count pair
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
