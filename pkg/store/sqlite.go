package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"quiltmesh/pkg/ipam"
	"quiltmesh/pkg/model"
)

// SQLiteStore is the Controller's default persisted backend, serving the
// --db-path flag. It owns a single nodes table; the allocator's counter and
// released set are not stored in a table of their own but rebuilt at startup
// from the subnets of the stored rows (via AllocatedIndices).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite-backed NodeStore at
// path, running schema migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	host_ip TEXT NOT NULL UNIQUE,
	subnet TEXT NOT NULL,
	cpu_cores INTEGER,
	ram_mb INTEGER,
	status TEXT NOT NULL,
	registered_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL
);
`

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(n model.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO nodes(node_id, hostname, host_ip, subnet, cpu_cores, ram_mb, status, registered_at, last_heartbeat)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		n.NodeID, n.Hostname, n.HostIP, n.Subnet, n.CPUCores, n.RAMMB, n.Status, n.RegisteredAt, n.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByHostIP(hostIP string) (model.Node, bool, error) {
	return s.queryOne(`SELECT node_id, hostname, host_ip, subnet, cpu_cores, ram_mb, status, registered_at, last_heartbeat
		FROM nodes WHERE host_ip = ?`, hostIP)
}

func (s *SQLiteStore) GetByID(nodeID string) (model.Node, bool, error) {
	return s.queryOne(`SELECT node_id, hostname, host_ip, subnet, cpu_cores, ram_mb, status, registered_at, last_heartbeat
		FROM nodes WHERE node_id = ?`, nodeID)
}

func (s *SQLiteStore) queryOne(query string, arg string) (model.Node, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	row := s.db.QueryRowContext(ctx, query, arg)
	var n model.Node
	err := row.Scan(&n.NodeID, &n.Hostname, &n.HostIP, &n.Subnet, &n.CPUCores, &n.RAMMB, &n.Status, &n.RegisteredAt, &n.LastHeartbeat)
	if err == sql.ErrNoRows {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, fmt.Errorf("query node: %w", err)
	}
	return n, true, nil
}

func (s *SQLiteStore) List() ([]model.Node, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, hostname, host_ip, subnet, cpu_cores, ram_mb, status, registered_at, last_heartbeat
		FROM nodes ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.HostIP, &n.Subnet, &n.CPUCores, &n.RAMMB, &n.Status, &n.RegisteredAt, &n.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(n model.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET hostname=?, host_ip=?, subnet=?, cpu_cores=?, ram_mb=?, status=?, registered_at=?, last_heartbeat=? WHERE node_id=?`,
		n.Hostname, n.HostIP, n.Subnet, n.CPUCores, n.RAMMB, n.Status, n.RegisteredAt, n.LastHeartbeat, n.NodeID)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(nodeID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id=?`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AllocatedIndices() ([]int, error) {
	nodes, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if idx, err := ipam.IndexOfSubnet(n.Subnet); err == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}
