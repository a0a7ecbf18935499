package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quiltmesh/pkg/ipam"
	"quiltmesh/pkg/model"
)

// NodeRecord is the gorm-mapped row for MySQLStore, mirroring the nodes
// table named in the persisted-state contract.
type NodeRecord struct {
	NodeID        string `gorm:"primaryKey;column:node_id"`
	Hostname      string `gorm:"column:hostname"`
	HostIP        string `gorm:"column:host_ip;uniqueIndex"`
	Subnet        string `gorm:"column:subnet"`
	CPUCores      int    `gorm:"column:cpu_cores"`
	RAMMB         int64  `gorm:"column:ram_mb"`
	Status        string `gorm:"column:status"`
	RegisteredAt  int64  `gorm:"column:registered_at"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat"`
}

func (NodeRecord) TableName() string { return "nodes" }

// MySQLStore is an optional NodeStore backend for clusters with an
// existing MySQL instance they would rather reuse than run sqlite files.
type MySQLStore struct {
	db *gorm.DB
}

// OpenMySQL connects using MYSQL_DSN, or the MYSQL_HOST/PORT/USER/PASS/DB
// env vars if unset, creating the database if it doesn't exist yet, and
// auto-migrates the nodes table.
func OpenMySQL() (*MySQLStore, error) {
	host := getenv("MYSQL_HOST", "127.0.0.1")
	port := getenv("MYSQL_PORT", "3306")
	user := getenv("MYSQL_USER", "root")
	pass := getenv("MYSQL_PASS", "")
	dbname := getenv("MYSQL_DB", "quiltmesh")

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "Unknown database") {
			if cerr := createDatabase(user, pass, host, port, dbname); cerr != nil {
				return nil, fmt.Errorf("create database: %w", cerr)
			}
			db, err = gorm.Open(mysql.Open(dsn), cfg)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&NodeRecord{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createDatabase(user, pass, host, port, dbname string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}

func toNode(r NodeRecord) model.Node {
	return model.Node{
		NodeID: r.NodeID, Hostname: r.Hostname, HostIP: r.HostIP, Subnet: r.Subnet,
		CPUCores: r.CPUCores, RAMMB: r.RAMMB, Status: r.Status,
		RegisteredAt: r.RegisteredAt, LastHeartbeat: r.LastHeartbeat,
	}
}

func toRecord(n model.Node) NodeRecord {
	return NodeRecord{
		NodeID: n.NodeID, Hostname: n.Hostname, HostIP: n.HostIP, Subnet: n.Subnet,
		CPUCores: n.CPUCores, RAMMB: n.RAMMB, Status: n.Status,
		RegisteredAt: n.RegisteredAt, LastHeartbeat: n.LastHeartbeat,
	}
}

func (s *MySQLStore) Insert(n model.Node) error {
	return s.db.Create(&[]NodeRecord{toRecord(n)}[0]).Error
}

func (s *MySQLStore) GetByHostIP(hostIP string) (model.Node, bool, error) {
	var r NodeRecord
	err := s.db.Where("host_ip = ?", hostIP).First(&r).Error
	if err == gorm.ErrRecordNotFound {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return toNode(r), true, nil
}

func (s *MySQLStore) GetByID(nodeID string) (model.Node, bool, error) {
	var r NodeRecord
	err := s.db.Where("node_id = ?", nodeID).First(&r).Error
	if err == gorm.ErrRecordNotFound {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return toNode(r), true, nil
}

func (s *MySQLStore) List() ([]model.Node, error) {
	var rs []NodeRecord
	if err := s.db.Order("registered_at").Find(&rs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(rs))
	for _, r := range rs {
		out = append(out, toNode(r))
	}
	return out, nil
}

func (s *MySQLStore) Update(n model.Node) error {
	return s.db.Save(&[]NodeRecord{toRecord(n)}[0]).Error
}

func (s *MySQLStore) Delete(nodeID string) error {
	return s.db.Where("node_id = ?", nodeID).Delete(&NodeRecord{}).Error
}

func (s *MySQLStore) AllocatedIndices() ([]int, error) {
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
