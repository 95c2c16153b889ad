package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"seismic/internal/config"
)

// AcceptedTransaction 节点接受的屏蔽交易事件
// 只含公开可见字段，解密后的明文绝不进入输出管道
type AcceptedTransaction struct {
	TxHash      string `json:"tx_hash"`
	Sender      string `json:"sender"`
	To          string `json:"to"`
	BlockNumber uint64 `json:"block_number"`
	Status      uint64 `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

// AcceptedTransactionFromReceipt 从回执字段构造输出事件
func AcceptedTransactionFromReceipt(txHash, sender, to string, blockNumber, status uint64) *AcceptedTransaction {
	return &AcceptedTransaction{
		TxHash:      txHash,
		Sender:      sender,
		To:          to,
		BlockNumber: blockNumber,
		Status:      status,
		Timestamp:   time.Now().Unix(),
	}
}

// Output 输出接口
type Output interface {
	WriteAcceptedTransaction(event *AcceptedTransaction) error
	Close() error
}

// FileOutput 文件输出（JSON Lines格式）
type FileOutput struct {
	outputDir string
	file      *os.File
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		cfg = &config.OutputConfig{Format: "file", Directory: "./outputs"}
	}

	switch cfg.Format {
	case "kafka":
		brokers := []string{"localhost:9092"}
		topics := map[string]string{
			"accepted_transactions": "seismic_accepted_transactions",
		}
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if len(cfg.Kafka.Topics) > 0 {
				topics = cfg.Kafka.Topics
			}
		}
		return NewKafkaOutput(brokers, topics, logger)

	case "postgres":
		if cfg.Postgres == nil || cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres输出缺少DSN")
		}
		table := cfg.Postgres.Table
		if table == "" {
			table = "seismic_accepted_transactions"
		}
		return NewPostgresOutput(cfg.Postgres.DSN, table, logger)
	}

	return NewFileOutput(cfg.Directory)
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir string) (*FileOutput, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	file, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("accepted_transactions_%s.json", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建输出文件失败: %w", err)
	}

	return &FileOutput{
		outputDir: outputDir,
		file:      file,
	}, nil
}

// WriteAcceptedTransaction 写入已接受交易事件
func (o *FileOutput) WriteAcceptedTransaction(event *AcceptedTransaction) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化交易事件失败: %w", err)
	}

	// 添加换行符
	data = append(data, '\n')

	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入输出文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新输出文件失败: %w", err)
	}

	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	if o.file != nil {
		if err := o.file.Close(); err != nil {
			return fmt.Errorf("关闭输出文件失败: %w", err)
		}
	}
	return nil
}
