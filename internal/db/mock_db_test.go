package db

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// valuesRow returns a mockRow that assigns values positionally. A nil value
// leaves the destination at its zero value.
func valuesRow(values ...any) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		assignAll(dest, values)
		return nil
	}}
}

func assignAll(dest []any, values []any) {
	for i, d := range dest {
		if i >= len(values) || values[i] == nil {
			continue
		}
		target := reflect.ValueOf(d).Elem()
		v := reflect.ValueOf(values[i])
		if target.Kind() == reflect.Pointer && v.Kind() != reflect.Pointer {
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(p)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	assignAll(dest, r.data[r.idx])
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
