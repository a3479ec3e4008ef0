package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/langchou/tesnotify/internal/models"
)

// FilterMode 事件完整性要求
type FilterMode string

const (
	// FilterStrict 只取已结束的行，充电还要求费用已写入
	FilterStrict FilterMode = "strict"
	// FilterLoose 取最新一行，不检查是否结束
	FilterLoose FilterMode = "loose"
)

// DriveShape 行程查询形态
type DriveShape string

const (
	DriveBasic    DriveShape = "basic"
	DriveEnriched DriveShape = "enriched"
)

// SourceOptions 事件源配置
type SourceOptions struct {
	Mode     FilterMode
	Shape    DriveShape
	Location *time.Location // 显示时区
	Timeout  time.Duration  // 单次查询超时，0 表示不限制
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventSource 查询 TeslaMate 中最新的充电与行程
type EventSource struct {
	logger *zap.Logger
	opts   SourceOptions

	chargeQuery string
	driveQuery  string

	// 每次查询获取一个连接，返回前释放
	connect func(ctx context.Context) (rowQuerier, func(), error)
}

// NewEventSource 创建事件源
func NewEventSource(db *DB, opts SourceOptions, logger *zap.Logger) *EventSource {
	s := newEventSource(opts, logger)
	s.connect = func(ctx context.Context) (rowQuerier, func(), error) {
		conn, err := db.Pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Release, nil
	}
	return s
}

func newEventSource(opts SourceOptions, logger *zap.Logger) *EventSource {
	if opts.Mode == "" {
		opts.Mode = FilterStrict
	}
	if opts.Shape == "" {
		opts.Shape = DriveBasic
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &EventSource{
		logger:      logger.Named("source"),
		opts:        opts,
		chargeQuery: buildChargeQuery(opts.Mode),
		driveQuery:  buildDriveQuery(opts.Mode, opts.Shape),
	}
}

// Mode 当前过滤模式
func (s *EventSource) Mode() FilterMode {
	return s.opts.Mode
}

// Shape 当前行程查询形态
func (s *EventSource) Shape() DriveShape {
	return s.opts.Shape
}

// LatestCharge 获取车辆最近一次充电
func (s *EventSource) LatestCharge(ctx context.Context, carID int64) Lookup[*models.ChargeEvent] {
	ev := &models.ChargeEvent{}
	err := s.queryOne(ctx, s.chargeQuery, carID,
		&ev.ID,
		&ev.EnergyAddedKwh,
		&ev.StartBatteryPct,
		&ev.EndBatteryPct,
		&ev.DurationMin,
		&ev.Cost,
		&ev.StartTime,
		&ev.EndTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Missing[*models.ChargeEvent]()
	}
	if err != nil {
		s.logger.Warn("Failed to query latest charge", zap.Int64("car_id", carID), zap.Error(err))
		return Failed[*models.ChargeEvent](fmt.Errorf("latest charge: %w", err))
	}

	if !ev.Finalized() {
		s.logger.Debug("Latest charge not finalized yet", zap.Int64("charge_id", ev.ID))
	}

	ev.StartTime = ev.StartTime.In(s.opts.Location)
	ev.EndTime = s.inLocation(ev.EndTime)
	return FoundEvent(ev)
}

// LatestDrive 获取车辆最近一次行程
func (s *EventSource) LatestDrive(ctx context.Context, carID int64) Lookup[*models.DriveEvent] {
	ev := &models.DriveEvent{}
	details := &models.DriveDetails{}
	err := s.queryOne(ctx, s.driveQuery, carID,
		&ev.ID,
		&ev.StartTime,
		&ev.EndTime,
		&ev.DurationMin,
		&ev.DistanceKm,
		&ev.AvgSpeedKmh,
		&ev.StartBatteryPct,
		&ev.EndBatteryPct,
		&details.StartLabel,
		&details.EndLabel,
		&details.ConsumptionWhKm,
		&details.ReducedRange,
		&details.Precise,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Missing[*models.DriveEvent]()
	}
	if err != nil {
		s.logger.Warn("Failed to query latest drive", zap.Int64("car_id", carID), zap.Error(err))
		return Failed[*models.DriveEvent](fmt.Errorf("latest drive: %w", err))
	}

	if s.opts.Shape == DriveEnriched {
		ev.Details = details
	}
	ev.StartTime = ev.StartTime.In(s.opts.Location)
	ev.EndTime = s.inLocation(ev.EndTime)
	return FoundEvent(ev)
}

func (s *EventSource) queryOne(ctx context.Context, query string, carID int64, dest ...any) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	conn, release, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer release()

	return conn.QueryRow(ctx, query, carID).Scan(dest...)
}

func (s *EventSource) inLocation(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	local := t.In(s.opts.Location)
	return &local
}

// 两个查询都按 end_date DESC NULLS LAST 排序：宽松模式下进行中的行
// (end_date 为空) 不会遮住最近一次已结束的事件。
func buildChargeQuery(mode FilterMode) string {
	filter := ""
	if mode == FilterStrict {
		filter = " AND cp.end_date IS NOT NULL AND cp.cost IS NOT NULL"
	}
	return fmt.Sprintf(`
		SELECT cp.id, cp.charge_energy_added, cp.start_battery_level, cp.end_battery_level,
			cp.duration_min, cp.cost, cp.start_date, cp.end_date
		FROM charging_processes cp
		WHERE cp.car_id = $1%s
		ORDER BY cp.end_date DESC NULLS LAST
		LIMIT 1
	`, filter)
}

// basic 形态下附加列固定为 NULL，两种形态共用同一扫描顺序
const driveBasicDetails = `NULL::text, NULL::text, NULL::float8, NULL::bool, NULL::bool`

const driveEnrichedDetails = `
			COALESCE(sg.name, NULLIF(CONCAT_WS(', ', COALESCE(sa.name, NULLIF(CONCAT_WS(' ', sa.road, sa.house_number), '')), sa.city), '')),
			COALESCE(eg.name, NULLIF(CONCAT_WS(', ', COALESCE(ea.name, NULLIF(CONCAT_WS(' ', ea.road, ea.house_number), '')), ea.city), '')),
			CASE WHEN d.distance > 0
				THEN (d.start_rated_range_km - d.end_rated_range_km)::float8 * c.efficiency * 1000 / d.distance
			END,
			CASE WHEN ep.id IS NOT NULL THEN ep.usable_battery_level IS DISTINCT FROM ep.battery_level END,
			(d.start_rated_range_km IS NOT NULL AND d.end_rated_range_km IS NOT NULL)`

const driveEnrichedJoins = `
		JOIN cars c ON c.id = d.car_id
		LEFT JOIN addresses sa ON sa.id = d.start_address_id
		LEFT JOIN addresses ea ON ea.id = d.end_address_id
		LEFT JOIN geofences sg ON sg.id = d.start_geofence_id
		LEFT JOIN geofences eg ON eg.id = d.end_geofence_id`

func buildDriveQuery(mode FilterMode, shape DriveShape) string {
	filter := ""
	if mode == FilterStrict {
		filter = " AND d.end_date IS NOT NULL"
	}

	details, joins := driveBasicDetails, ""
	if shape == DriveEnriched {
		details, joins = driveEnrichedDetails, driveEnrichedJoins
	}

	return fmt.Sprintf(`
		SELECT d.id, d.start_date, d.end_date, d.duration_min, d.distance,
			CASE WHEN d.duration_min > 0 THEN d.distance / d.duration_min * 60 END,
			sp.battery_level, ep.battery_level,
			%s
		FROM drives d
		LEFT JOIN positions sp ON sp.id = d.start_position_id
		LEFT JOIN positions ep ON ep.id = d.end_position_id%s
		WHERE d.car_id = $1%s
		ORDER BY d.end_date DESC NULLS LAST
		LIMIT 1
	`, details, joins, filter)
}
