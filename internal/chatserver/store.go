package chatserver

import (
	"context"
	"fmt"

	"chat-loadtest/internal/logger"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Store persists accepted handshakes.
type Store interface {
	SaveHandshake(ctx context.Context, usr User) (int64, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS handshakes (
    id BIGSERIAL PRIMARY KEY,
    user_id VARCHAR(42) NOT NULL,
    name TEXT NOT NULL,
    remote_addr TEXT,
    instance_id UUID NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PGStore writes handshakes to PostgreSQL.
type PGStore struct {
	Pool     *pgxpool.Pool
	instance string
}

func NewPGStore(ctx context.Context, dsn, instance string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create handshakes table: %w", err)
	}

	logger.Info(logger.TagServer, "Connected to PostgreSQL")
	return &PGStore{Pool: pool, instance: instance}, nil
}

func (s *PGStore) SaveHandshake(ctx context.Context, usr User) (int64, error) {
	var id int64
	query := `
        INSERT INTO handshakes (user_id, name, remote_addr, instance_id, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	err := s.Pool.QueryRow(ctx, query, usr.ID, usr.Name, usr.RemoteAddr, s.instance, usr.ConnectedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert handshake: %w", err)
	}
	return id, nil
}

func (s *PGStore) Close() {
	s.Pool.Close()
}
