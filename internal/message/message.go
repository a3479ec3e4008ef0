// Package message 将事件渲染为推送标题与正文。
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/langchou/tesnotify/internal/models"
)

// NA 缺失字段的占位符
const NA = "N/A"

// TimeLayout 时间显示格式，时区由事件源统一处理
const TimeLayout = "02/01/2006 15:04"

const (
	ChargeTitle = "Tesla Charge Complete"
	DriveTitle  = "Tesla Drive Complete"
)

// Message 推送内容
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Charge 渲染充电完成通知
func Charge(ev *models.ChargeEvent) Message {
	lines := []string{
		"Charge terminée",
		"Énergie ajoutée: " + withUnit(number(ev.EnergyAddedKwh, 2), " kWh"),
		fmt.Sprintf("De %s à %s", timestamp(&ev.StartTime), timestamp(ev.EndTime)),
		"Durée: " + Duration(ev.DurationMin),
		fmt.Sprintf("%s -> %s", percent(ev.StartBatteryPct), percent(ev.EndBatteryPct)),
		"Coût: " + withUnit(number(ev.Cost, 2), " €"),
	}
	return Message{Title: ChargeTitle, Body: strings.Join(lines, "\n")}
}

// Drive 渲染行程完成通知
func Drive(ev *models.DriveEvent) Message {
	lines := []string{"Trajet terminé"}

	if d := ev.Details; d != nil {
		lines = append(lines, fmt.Sprintf("%s -> %s", text(d.StartLabel), text(d.EndLabel)))
	}

	lines = append(lines,
		fmt.Sprintf("De %s à %s", timestamp(&ev.StartTime), timestamp(ev.EndTime)),
		"Distance: "+withUnit(number(ev.DistanceKm, 1), " km"),
		"Durée: "+Duration(ev.DurationMin),
		"Vitesse moyenne: "+withUnit(number(ev.AvgSpeedKmh, 1), " km/h"),
		fmt.Sprintf("%s -> %s", percent(ev.StartBatteryPct), percent(ev.EndBatteryPct)),
	)

	if d := ev.Details; d != nil {
		lines = append(lines, "Consommation: "+withUnit(number(d.ConsumptionWhKm, 0), " Wh/km"))
		if d.ReducedRange != nil && *d.ReducedRange {
			lines = append(lines, "Autonomie réduite")
		}
		if d.Precise != nil && !*d.Precise {
			lines = append(lines, "Mesure imprécise")
		}
	}

	return Message{Title: DriveTitle, Body: strings.Join(lines, "\n")}
}

// Duration 分钟数渲染为 XhYm，nil 渲染为 N/A
func Duration(minutes *int) string {
	if minutes == nil {
		return NA
	}
	return fmt.Sprintf("%dh%dm", *minutes/60, *minutes%60)
}

func number(v *float64, prec int) string {
	if v == nil {
		return NA
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func percent(v *int) string {
	if v == nil {
		return NA
	}
	return fmt.Sprintf("%d%%", *v)
}

func text(v *string) string {
	if v == nil || *v == "" {
		return NA
	}
	return *v
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return NA
	}
	return t.Format(TimeLayout)
}

// 占位符不带单位
func withUnit(v, unit string) string {
	if v == NA {
		return v
	}
	return v + unit
}
