package models

import "time"

// ChargeEvent 一次充电过程 (charging_processes 的一行)
type ChargeEvent struct {
	ID              int64      `json:"id"`
	EnergyAddedKwh  *float64   `json:"energy_added_kwh,omitempty"`
	StartBatteryPct *int       `json:"start_battery_pct,omitempty"`
	EndBatteryPct   *int       `json:"end_battery_pct,omitempty"`
	DurationMin     *int       `json:"duration_min,omitempty"`
	Cost            *float64   `json:"cost,omitempty"` // 为空表示费用尚未结算
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

// EventID 实现 Event
func (c *ChargeEvent) EventID() int64 { return c.ID }

// Finalized 结束时间与费用均已写入
func (c *ChargeEvent) Finalized() bool {
	return c.EndTime != nil && c.Cost != nil
}
