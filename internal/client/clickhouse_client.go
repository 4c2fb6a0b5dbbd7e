package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"studio-intake/internal/config"
	"studio-intake/internal/submission"
	"studio-intake/internal/util"
)

const (
	createSubmissionEventsSQL = `
CREATE TABLE IF NOT EXISTS submission_events (
    id UUID,
    form_name LowCardinality(String),
    service_type LowCardinality(String),
    project_type LowCardinality(String),
    budget LowCardinality(String),
    urgency Nullable(String),
    preferred_timeline Nullable(String),
    team_size Nullable(UInt8),
    tech_stack Array(String),
    portfolio_focus Bool,
    is_student Bool,
    deadline DateTime64(3, 'UTC'),
    submitted_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (form_name, submitted_at)`

	insertSubmissionEventSQL = `INSERT INTO submission_events`
)

// ClickHouseClient records submission analytics. Contact details are not
// copied into ClickHouse.
type ClickHouseClient struct {
	conn driver.Conn
	mu   sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig, err := clickhouseTLSConfig(chConfig)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createSubmissionEventsSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create submission_events: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil))

	return &ClickHouseClient{conn: conn}, nil
}

func clickhouseTLSConfig(chConfig config.ClickhouseConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: extractHostname(chConfig.URL),
	}
	if chConfig.CAFile == "" {
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(chConfig.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append ClickHouse CA cert")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func (c *ClickHouseClient) Name() string { return "clickhouse" }

// Save appends one analytics event for the row.
func (c *ClickHouseClient) Save(ctx context.Context, row *submission.Row) error {
	event, err := analyticsEvent(row)
	if err != nil {
		return err
	}
	return c.BatchInsert(ctx, insertSubmissionEventSQL, [][]interface{}{event})
}

// BatchInsert sends rows in a single native batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

// analyticsEvent follows the column order of submission_events.
func analyticsEvent(row *submission.Row) ([]interface{}, error) {
	if row == nil {
		return nil, errors.New("nil submission row")
	}
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid submission id %q: %w", row.ID, err)
	}
	deadline, err := time.Parse(time.RFC3339Nano, row.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q: %w", row.Deadline, err)
	}
	submittedAt, err := time.Parse(time.RFC3339Nano, row.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid submitted_at %q: %w", row.SubmittedAt, err)
	}

	var teamSize *uint8
	if row.TeamSize != nil {
		v := uint8(*row.TeamSize)
		teamSize = &v
	}
	techStack := row.TechStack
	if techStack == nil {
		techStack = []string{}
	}

	return []interface{}{
		id, row.FormName, row.ServiceType, row.ProjectType, row.Budget,
		row.Urgency, row.PreferredTimeline, teamSize, techStack,
		row.PortfolioFocus, row.IsStudent, deadline, submittedAt,
	}, nil
}

func extractHostPort(url string) string {
	cleanURL := strings.TrimPrefix(url, "http://")
	cleanURL = strings.TrimPrefix(cleanURL, "https://")
	cleanURL = strings.TrimPrefix(cleanURL, "clickhouse://")
	cleanURL = strings.TrimSuffix(cleanURL, "/")
	if !strings.Contains(cleanURL, ":") {
		if strings.HasPrefix(url, "https://") {
			return cleanURL + ":9440"
		}
		return cleanURL + ":9000"
	}
	return cleanURL
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
