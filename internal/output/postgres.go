package output

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresOutput Postgres归档输出器
// 把已接受的屏蔽交易事件写入归档表，供下游审计查询
type PostgresOutput struct {
	db     *sql.DB
	table  string
	logger *logrus.Logger
}

// NewPostgresOutput 创建Postgres输出器
func NewPostgresOutput(dsn, table string, logger *logrus.Logger) (*PostgresOutput, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	output := &PostgresOutput{
		db:     db,
		table:  table,
		logger: logger,
	}
	if err := output.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Postgres输出器已初始化，归档表: %s", table)
	return output, nil
}

// ensureTable 建归档表（幂等）
func (p *PostgresOutput) ensureTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tx_hash      TEXT PRIMARY KEY,
			sender       TEXT NOT NULL,
			recipient    TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			status       BIGINT NOT NULL,
			accepted_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, p.table)

	if _, err := p.db.Exec(query); err != nil {
		return fmt.Errorf("创建归档表失败: %w", err)
	}
	return nil
}

// WriteAcceptedTransaction 写入已接受交易事件
func (p *PostgresOutput) WriteAcceptedTransaction(event *AcceptedTransaction) error {
	if event == nil {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (tx_hash, sender, recipient, block_number, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash)
		DO UPDATE SET block_number = $4, status = $5
	`, p.table)

	if _, err := p.db.Exec(query, event.TxHash, event.Sender, event.To, event.BlockNumber, event.Status); err != nil {
		return fmt.Errorf("归档交易事件失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgresOutput) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
