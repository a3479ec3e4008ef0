package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r.values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type fakeConn struct {
	row      fakeRow
	queries  []string
	args     [][]any
	released int
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	c.queries = append(c.queries, sql)
	c.args = append(c.args, args)
	return c.row
}

func newTestSource(t *testing.T, opts SourceOptions, conn *fakeConn, connectErr error) *EventSource {
	t.Helper()
	s := newEventSource(opts, zap.NewNop())
	s.connect = func(ctx context.Context) (rowQuerier, func(), error) {
		if connectErr != nil {
			return nil, nil, connectErr
		}
		return conn, func() { conn.released++ }, nil
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func TestLatestChargeFound(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	start := time.Date(2025, 1, 10, 22, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 11, 0, 5, 0, 0, time.UTC)
	conn := &fakeConn{row: fakeRow{values: []any{
		int64(42), ptr(31.5), ptr(20), ptr(80), ptr(125), ptr(6.3), start, &end,
	}}}
	src := newTestSource(t, SourceOptions{Location: paris}, conn, nil)

	res := src.LatestCharge(context.Background(), 1)

	require.Equal(t, Found, res.Outcome)
	require.NoError(t, res.Err)
	ev := res.Event
	assert.Equal(t, int64(42), ev.ID)
	assert.Equal(t, 31.5, *ev.EnergyAddedKwh)
	assert.Equal(t, 125, *ev.DurationMin)
	assert.Equal(t, paris, ev.StartTime.Location())
	assert.Equal(t, 23, ev.StartTime.Hour())
	require.NotNil(t, ev.EndTime)
	assert.Equal(t, 1, ev.EndTime.Hour())
	assert.True(t, ev.Finalized())

	assert.Equal(t, 1, conn.released)
	assert.Equal(t, []any{int64(1)}, conn.args[0])
}

func TestLatestChargeNoRows(t *testing.T) {
	conn := &fakeConn{row: fakeRow{err: pgx.ErrNoRows}}
	src := newTestSource(t, SourceOptions{}, conn, nil)

	res := src.LatestCharge(context.Background(), 1)

	assert.Equal(t, NotFound, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Nil(t, res.Event)
	assert.Equal(t, 1, conn.released)
}

func TestLatestChargeQueryError(t *testing.T) {
	conn := &fakeConn{row: fakeRow{err: errors.New("connection reset by peer")}}
	src := newTestSource(t, SourceOptions{}, conn, nil)

	res := src.LatestCharge(context.Background(), 1)

	assert.Equal(t, SourceError, res.Outcome)
	assert.ErrorContains(t, res.Err, "connection reset by peer")
	assert.Equal(t, 1, conn.released)
}

func TestLatestDriveConnectError(t *testing.T) {
	src := newTestSource(t, SourceOptions{}, nil, errors.New("dial tcp: connection refused"))

	res := src.LatestDrive(context.Background(), 1)

	assert.Equal(t, SourceError, res.Outcome)
	assert.ErrorContains(t, res.Err, "acquire connection")
}

func TestLatestDriveBasicShape(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(35 * time.Minute)
	conn := &fakeConn{row: fakeRow{values: []any{
		int64(9), start, &end, ptr(35), ptr(42.0), ptr(72.0), ptr(80), ptr(71),
		(*string)(nil), (*string)(nil), (*float64)(nil), (*bool)(nil), (*bool)(nil),
	}}}
	src := newTestSource(t, SourceOptions{Shape: DriveBasic}, conn, nil)

	res := src.LatestDrive(context.Background(), 1)

	require.Equal(t, Found, res.Outcome)
	assert.Equal(t, int64(9), res.Event.ID)
	assert.Equal(t, 72.0, *res.Event.AvgSpeedKmh)
	assert.Nil(t, res.Event.Details)
	assert.NotContains(t, conn.queries[0], "addresses")
}

func TestLatestDriveEnrichedShape(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	conn := &fakeConn{row: fakeRow{values: []any{
		int64(10), start, (*time.Time)(nil), (*int)(nil), (*float64)(nil), (*float64)(nil), ptr(80), (*int)(nil),
		ptr("Maison"), (*string)(nil), ptr(152.4), ptr(false), ptr(true),
	}}}
	src := newTestSource(t, SourceOptions{Mode: FilterLoose, Shape: DriveEnriched}, conn, nil)

	res := src.LatestDrive(context.Background(), 1)

	require.Equal(t, Found, res.Outcome)
	ev := res.Event
	assert.Nil(t, ev.EndTime)
	assert.Nil(t, ev.AvgSpeedKmh)
	require.NotNil(t, ev.Details)
	assert.Equal(t, "Maison", *ev.Details.StartLabel)
	assert.Nil(t, ev.Details.EndLabel)
	assert.Equal(t, 152.4, *ev.Details.ConsumptionWhKm)
	assert.Contains(t, conn.queries[0], "LEFT JOIN addresses sa")
}

func TestFilterModeQueries(t *testing.T) {
	strict := newEventSource(SourceOptions{Mode: FilterStrict}, zap.NewNop())
	loose := newEventSource(SourceOptions{Mode: FilterLoose}, zap.NewNop())

	assert.Equal(t, FilterStrict, strict.Mode())
	assert.Equal(t, FilterLoose, loose.Mode())
	assert.Equal(t, DriveBasic, strict.Shape())
	assert.Equal(t, DriveEnriched, newEventSource(SourceOptions{Shape: DriveEnriched}, zap.NewNop()).Shape())

	assert.Contains(t, strict.chargeQuery, "cp.end_date IS NOT NULL AND cp.cost IS NOT NULL")
	assert.Contains(t, strict.driveQuery, "d.end_date IS NOT NULL")
	assert.NotContains(t, loose.chargeQuery, "IS NOT NULL")
	assert.NotContains(t, loose.driveQuery, "d.end_date IS NOT NULL")

	for _, q := range []string{strict.chargeQuery, loose.chargeQuery, strict.driveQuery, loose.driveQuery} {
		assert.Contains(t, q, "car_id = $1")
		assert.Contains(t, q, "DESC NULLS LAST")
		assert.Contains(t, q, "LIMIT 1")
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "source_error", SourceError.String())
}
