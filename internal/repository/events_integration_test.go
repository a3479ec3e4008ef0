package repository

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TeslaMate 相关表的最小子集，列类型与 TeslaMate 迁移一致
const teslamateSchema = `
CREATE TABLE cars (
	id         serial PRIMARY KEY,
	efficiency double precision
);
CREATE TABLE positions (
	id                   serial PRIMARY KEY,
	car_id               smallint NOT NULL,
	battery_level        smallint,
	usable_battery_level smallint
);
CREATE TABLE addresses (
	id           serial PRIMARY KEY,
	name         text,
	road         text,
	house_number text,
	city         text
);
CREATE TABLE geofences (
	id   serial PRIMARY KEY,
	name varchar(255) NOT NULL
);
CREATE TABLE drives (
	id                   serial PRIMARY KEY,
	car_id               smallint NOT NULL,
	start_date           timestamp NOT NULL,
	end_date             timestamp,
	duration_min         smallint,
	distance             double precision,
	start_position_id    integer,
	end_position_id      integer,
	start_address_id     integer,
	end_address_id       integer,
	start_geofence_id    integer,
	end_geofence_id      integer,
	start_rated_range_km numeric(6,2),
	end_rated_range_km   numeric(6,2)
);
CREATE TABLE charging_processes (
	id                  serial PRIMARY KEY,
	car_id              smallint NOT NULL,
	start_date          timestamp NOT NULL,
	end_date            timestamp,
	charge_energy_added numeric(8,2),
	start_battery_level smallint,
	end_battery_level   smallint,
	duration_min        smallint,
	cost                numeric(6,2)
);
`

const teslamateFixtures = `
INSERT INTO cars (id, efficiency) VALUES (1, 0.15);
INSERT INTO positions (id, car_id, battery_level, usable_battery_level) VALUES
	(1, 1, 80, 80),
	(2, 1, 72, 70);
INSERT INTO addresses (id, name, road, house_number, city) VALUES
	(1, NULL, 'Rue de Rivoli', '12', 'Paris'),
	(2, 'Gare de Lyon', NULL, NULL, 'Paris');
INSERT INTO geofences (id, name) VALUES (1, 'Maison');
INSERT INTO drives (id, car_id, start_date, end_date, duration_min, distance,
	start_position_id, end_position_id, start_address_id, end_address_id,
	start_geofence_id, end_geofence_id, start_rated_range_km, end_rated_range_km) VALUES
	(1, 1, '2025-03-01 07:00:00', '2025-03-01 07:30:00', 30, 20, 1, 2, 1, 2, NULL, NULL, 300.00, 280.00),
	(2, 1, '2025-03-01 08:00:00', '2025-03-01 08:30:00', 30, 25, 1, 2, 1, 2, 1, NULL, 300.00, 280.00),
	(3, 1, '2025-03-01 09:00:00', NULL, NULL, NULL, 1, NULL, NULL, NULL, NULL, NULL, NULL, NULL);
INSERT INTO charging_processes (id, car_id, start_date, end_date, charge_energy_added,
	start_battery_level, end_battery_level, duration_min, cost) VALUES
	(1, 1, '2025-01-10 20:00:00', '2025-01-10 22:05:00', 31.50, 20, 80, 125, 6.30),
	(2, 1, '2025-01-11 20:00:00', '2025-01-11 21:00:00', 10.00, 40, 60, 60, NULL);
`

// openTeslamateDB 在独立 schema 中建表并返回指向该 schema 的连接池。
// 未设置 TEST_DATABASE_URL 时跳过。
func openTeslamateDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := New(ctx, dsn)
	require.NoError(t, err)
	defer admin.Close()

	schema := fmt.Sprintf("tesnotify_test_%d", time.Now().UnixNano())
	_, err = admin.Pool.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanup, err := New(context.Background(), dsn)
		if err != nil {
			return
		}
		defer cleanup.Close()
		cleanup.Pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	db, err := New(ctx, u.String())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Pool.Exec(ctx, teslamateSchema)
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx, teslamateFixtures)
	require.NoError(t, err)

	return db
}

func TestEventSourceAgainstTeslamateSchema(t *testing.T) {
	db := openTeslamateDB(t)
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("strict charge skips unpriced session", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{Mode: FilterStrict, Location: paris}, zap.NewNop())

		res := src.LatestCharge(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		ev := res.Event
		assert.Equal(t, int64(1), ev.ID)
		require.NotNil(t, ev.EnergyAddedKwh)
		assert.InDelta(t, 31.5, *ev.EnergyAddedKwh, 1e-9)
		require.NotNil(t, ev.Cost)
		assert.InDelta(t, 6.3, *ev.Cost, 1e-9)
		assert.Equal(t, 20, *ev.StartBatteryPct)
		assert.Equal(t, 80, *ev.EndBatteryPct)
		assert.Equal(t, 125, *ev.DurationMin)
		assert.Equal(t, 21, ev.StartTime.Hour())
		require.NotNil(t, ev.EndTime)
		assert.Equal(t, 23, ev.EndTime.Hour())
	})

	t.Run("loose charge returns unpriced session", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{Mode: FilterLoose, Location: paris}, zap.NewNop())

		res := src.LatestCharge(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		assert.Equal(t, int64(2), res.Event.ID)
		assert.Nil(t, res.Event.Cost)
	})

	t.Run("unknown car is not found", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{}, zap.NewNop())

		assert.Equal(t, NotFound, src.LatestCharge(ctx, 99).Outcome)
		assert.Equal(t, NotFound, src.LatestDrive(ctx, 99).Outcome)
	})

	t.Run("basic drive", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{Mode: FilterStrict, Shape: DriveBasic, Location: paris}, zap.NewNop())

		res := src.LatestDrive(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		ev := res.Event
		assert.Equal(t, int64(2), ev.ID)
		assert.InDelta(t, 25.0, *ev.DistanceKm, 1e-9)
		require.NotNil(t, ev.AvgSpeedKmh)
		assert.InDelta(t, 50.0, *ev.AvgSpeedKmh, 1e-9)
		assert.Equal(t, 80, *ev.StartBatteryPct)
		assert.Equal(t, 72, *ev.EndBatteryPct)
		assert.Nil(t, ev.Details)
	})

	t.Run("loose drive keeps latest finished drive first", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{Mode: FilterLoose, Location: paris}, zap.NewNop())

		res := src.LatestDrive(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		assert.Equal(t, int64(2), res.Event.ID)
	})

	t.Run("enriched drive", func(t *testing.T) {
		src := NewEventSource(db, SourceOptions{Mode: FilterStrict, Shape: DriveEnriched, Location: paris}, zap.NewNop())

		res := src.LatestDrive(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		d := res.Event.Details
		require.NotNil(t, d)
		require.NotNil(t, d.StartLabel)
		assert.Equal(t, "Maison", *d.StartLabel)
		require.NotNil(t, d.EndLabel)
		assert.Equal(t, "Gare de Lyon, Paris", *d.EndLabel)
		require.NotNil(t, d.ConsumptionWhKm)
		assert.InDelta(t, 120.0, *d.ConsumptionWhKm, 1e-6)
		require.NotNil(t, d.ReducedRange)
		assert.True(t, *d.ReducedRange)
		require.NotNil(t, d.Precise)
		assert.True(t, *d.Precise)
	})

	t.Run("enriched drive address label from road", func(t *testing.T) {
		_, err := db.Pool.Exec(ctx, "UPDATE drives SET start_geofence_id = NULL WHERE id = 2")
		require.NoError(t, err)

		src := NewEventSource(db, SourceOptions{Shape: DriveEnriched}, zap.NewNop())
		res := src.LatestDrive(ctx, 1)
		require.Equal(t, Found, res.Outcome, "err: %v", res.Err)
		require.NotNil(t, res.Event.Details.StartLabel)
		assert.Equal(t, "Rue de Rivoli 12, Paris", *res.Event.Details.StartLabel)
	})
}
