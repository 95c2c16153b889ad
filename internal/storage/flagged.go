package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/state.db"

	// 存储桶名称
	SlotsBucket    = "slots"
	ReceiptsBucket = "receipts"
)

// 槽位标志字节
const (
	flagPublic  = byte(0x00)
	flagPrivate = byte(0x01)
)

// Word 256位存储字
type Word [32]byte

// FlaggedSlot 带公有/私有标志的存储槽
// 标志由最后一次写入的指令族决定；通过不匹配的指令族读取
// 永远得到零值而不是报错，把误用暴露成"读回为零"而非静默泄漏
type FlaggedSlot struct {
	Value   Word `json:"value"`
	Private bool `json:"private"`
}

// Store 标志存储
// 同一地址空间上的两组配对指令：公有写标记槽为公有、公有读只在
// 公有槽上成功；私有写/读与之对称
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex
}

// NewStore 创建标志存储
func NewStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开状态数据库失败: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := store.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化状态数据库失败: %w", err)
	}

	logger.Infof("标志存储已初始化，数据库路径: %s", dbPath)
	return store, nil
}

// initDB 初始化数据库结构
func (s *Store) initDB() error {
	return s.db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists([]byte(SlotsBucket)); err != nil {
			return fmt.Errorf("创建槽位存储桶失败: %w", err)
		}
		if _, err := btx.CreateBucketIfNotExists([]byte(ReceiptsBucket)); err != nil {
			return fmt.Errorf("创建回执存储桶失败: %w", err)
		}
		return nil
	})
}

// slotKey 地址+槽号构成的键
func slotKey(addr common.Address, slot Word) []byte {
	key := make([]byte, 20+32)
	copy(key, addr.Bytes())
	copy(key[20:], slot[:])
	return key
}

// store 写入槽位并设置标志
func (s *Store) store(addr common.Address, slot Word, value Word, private bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket([]byte(SlotsBucket))
		record := make([]byte, 1+32)
		if private {
			record[0] = flagPrivate
		} else {
			record[0] = flagPublic
		}
		copy(record[1:], value[:])
		return bucket.Put(slotKey(addr, slot), record)
	})
}

// load 读取槽位，标志不匹配时返回零字
func (s *Store) load(addr common.Address, slot Word, wantPrivate bool) (Word, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value Word
	err := s.db.View(func(btx *bolt.Tx) error {
		bucket := btx.Bucket([]byte(SlotsBucket))
		record := bucket.Get(slotKey(addr, slot))
		if record == nil || len(record) != 1+32 {
			return nil // 未写入过的槽读出零值
		}
		if (record[0] == flagPrivate) != wantPrivate {
			return nil // 指令族不匹配，读出零值
		}
		copy(value[:], record[1:])
		return nil
	})
	return value, err
}

// StorePublic 公有写，把槽标记为公有
func (s *Store) StorePublic(addr common.Address, slot Word, value Word) error {
	return s.store(addr, slot, value, false)
}

// StorePrivate 私有写，把槽标记为私有
func (s *Store) StorePrivate(addr common.Address, slot Word, value Word) error {
	return s.store(addr, slot, value, true)
}

// LoadPublic 公有读，只在公有槽上成功，否则返回零值
func (s *Store) LoadPublic(addr common.Address, slot Word) (Word, error) {
	return s.load(addr, slot, false)
}

// LoadPrivate 私有读，只在私有槽上成功，否则返回零值
func (s *Store) LoadPrivate(addr common.Address, slot Word) (Word, error) {
	return s.load(addr, slot, true)
}

// Inspect 带标志读取槽位（节点的eth_getStorageAt用，私有槽由调用方拒绝）
// 未写入过的槽返回nil
func (s *Store) Inspect(addr common.Address, slot Word) (*FlaggedSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result *FlaggedSlot
	err := s.db.View(func(btx *bolt.Tx) error {
		bucket := btx.Bucket([]byte(SlotsBucket))
		record := bucket.Get(slotKey(addr, slot))
		if record == nil || len(record) != 1+32 {
			return nil
		}
		slot := &FlaggedSlot{Private: record[0] == flagPrivate}
		copy(slot.Value[:], record[1:])
		result = slot
		return nil
	})
	return result, err
}

// PutReceipt 持久化交易回执记录
func (s *Store) PutReceipt(txHash common.Hash, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket([]byte(ReceiptsBucket)).Put(txHash.Bytes(), record)
	})
}

// GetReceipt 读取交易回执记录，不存在时返回nil
func (s *Store) GetReceipt(txHash common.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record []byte
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket([]byte(ReceiptsBucket)).Get(txHash.Bytes())
		if raw != nil {
			record = append([]byte(nil), raw...)
		}
		return nil
	})
	return record, err
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
