package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装 (只读访问 TeslaMate 数据库)
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建连接池。不在此处建立连接，首次查询时按需连接，
// 数据库暂时不可用不会阻止进程启动。
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 每个周期最多两次串行查询
	config.MaxConns = 2
	config.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Ping 测试连接
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}
