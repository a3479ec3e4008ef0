package models

import "time"

// DriveEvent 一次行程 (drives 的一行)
type DriveEvent struct {
	ID              int64      `json:"id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMin     *int       `json:"duration_min,omitempty"`
	DistanceKm      *float64   `json:"distance_km,omitempty"`
	AvgSpeedKmh     *float64   `json:"avg_speed_kmh,omitempty"`
	StartBatteryPct *int       `json:"start_battery_pct,omitempty"`
	EndBatteryPct   *int       `json:"end_battery_pct,omitempty"`

	// 仅 enriched 查询时存在
	Details *DriveDetails `json:"details,omitempty"`
}

// DriveDetails 行程附加信息
type DriveDetails struct {
	StartLabel      *string  `json:"start_label,omitempty"`
	EndLabel        *string  `json:"end_label,omitempty"`
	ConsumptionWhKm *float64 `json:"consumption_wh_km,omitempty"`
	ReducedRange    *bool    `json:"reduced_range,omitempty"`
	Precise         *bool    `json:"precise,omitempty"`
}

// EventID 实现 Event
func (d *DriveEvent) EventID() int64 { return d.ID }
