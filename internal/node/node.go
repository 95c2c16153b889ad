package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"seismic/internal/crypto"
	seiserrors "seismic/internal/errors"
	"seismic/internal/output"
	"seismic/internal/storage"
	"seismic/pkg/tx"
)

// 开发节点执行的存储操作码
// 同一地址空间上的两组配对指令：公有对和私有对；
// 写入标记槽位归属，错配的读取得到零值
const (
	opPublicStore  = byte(0x01) // 后跟32字节槽号+32字节值
	opPrivateStore = byte(0x02)
	opPublicLoad   = byte(0x03) // 后跟32字节槽号，读出值追加到返回数据
	opPrivateLoad  = byte(0x04)
)

// Receipt 交易回执记录
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Sender      string `json:"sender"`
	To          string `json:"to"`
	BlockNumber uint64 `json:"block_number"`
	Status      uint64 `json:"status"`
	GasUsed     uint64 `json:"gas_used"`
	DataLength  int    `json:"data_length"` // 解密后明文长度
}

// Node 开发节点
// TEE信任边界的本地替身：持有长期解密私钥（概念上不可导出）、
// 维护链头与近期区块哈希环、在标志存储上执行解密后的调用
type Node struct {
	chainID uint64
	window  uint64 // recent_block_hash新鲜度窗口
	teeKey  *crypto.Keypair
	store   *storage.Store
	outputs output.Output
	logger  *logrus.Logger
	errs    *seiserrors.ErrorHandler

	mu        sync.RWMutex
	head      uint64
	hashByNum map[uint64]common.Hash
	numByHash map[common.Hash]uint64
	nonces    map[common.Address]uint64
	inflight  map[common.Address]bool
}

// NewNode 创建开发节点
// outputs可以为nil（不输出已接受交易事件）
func NewNode(chainID, freshnessWindow uint64, store *storage.Store, outputs output.Output, logger *logrus.Logger) (*Node, error) {
	if store == nil {
		return nil, fmt.Errorf("创建节点失败: 缺少存储")
	}
	if freshnessWindow == 0 {
		freshnessWindow = tx.DefaultFreshnessWindow
	}

	teeKey, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("创建节点失败: %w", err)
	}

	node := &Node{
		chainID:   chainID,
		window:    freshnessWindow,
		teeKey:    teeKey,
		store:     store,
		outputs:   outputs,
		logger:    logger,
		errs:      seiserrors.NewErrorHandler(logger),
		hashByNum: make(map[uint64]common.Hash),
		numByHash: make(map[common.Hash]uint64),
		nonces:    make(map[common.Address]uint64),
		inflight:  make(map[common.Address]bool),
	}
	node.recordBlock(0)

	logger.Infof("开发节点已启动，链ID: %d，TEE公钥: %s", chainID, teeKey.Public().Hex())
	return node, nil
}

// recordBlock 记录区块哈希（伪哈希，由链ID和高度决定）
func (n *Node) recordBlock(number uint64) {
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], n.chainID)
	binary.BigEndian.PutUint64(seed[8:], number)
	hash := gethcrypto.Keccak256Hash(seed[:])

	n.hashByNum[number] = hash
	n.numByHash[hash] = number
}

// ChainID 返回链ID
func (n *Node) ChainID() uint64 {
	return n.chainID
}

// TeePublicKey 返回TEE长期公钥
func (n *Node) TeePublicKey() tx.EncryptionPubkey {
	return n.teeKey.Public()
}

// Head 返回当前链头高度
func (n *Node) Head() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.head
}

// HeadBlock 返回链头高度和哈希
func (n *Node) HeadBlock() (uint64, common.Hash) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.head, n.hashByNum[n.head]
}

// BlockHash 返回指定高度的区块哈希
func (n *Node) BlockHash(number uint64) (common.Hash, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	hash, ok := n.hashByNum[number]
	return hash, ok
}

// AdvanceBlocks 推进链头，返回新的链头高度
func (n *Node) AdvanceBlocks(count uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		n.head++
		n.recordBlock(n.head)
	}
	return n.head
}

// PendingNonce 返回账户的下一个nonce
func (n *Node) PendingNonce(account common.Address) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nonces[account]
}

// reserveNonce 核对nonce并预占该账户，预占在提交或释放前一直有效
func (n *Node) reserveNonce(sender common.Address, nonce uint64) *seiserrors.SeismicError {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inflight[sender] {
		return seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityMedium, "BAD_NONCE", fmt.Sprintf("账户%s已有在途交易", sender.Hex()))
	}
	if expected := n.nonces[sender]; nonce != expected {
		return seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityMedium, "BAD_NONCE", fmt.Sprintf("nonce错误: 期望%d，收到%d", expected, nonce))
	}
	n.inflight[sender] = true
	return nil
}

// releaseNonce 交易被拒绝时释放预占，nonce不前移
func (n *Node) releaseNonce(sender common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inflight, sender)
}

// validate 0x4A信封的协议校验，全部在执行之前完成
// 任何一项失败交易都不会进入区块
func (n *Node) validate(signed *tx.SignedTxSeismic) *seiserrors.SeismicError {
	elements := signed.Tx.Elements

	n.mu.RLock()
	head := n.head
	anchorNumber, known := n.numByHash[elements.RecentBlockHash]
	n.mu.RUnlock()

	// 新鲜度：锚点必须是已知区块且在窗口之内
	if !known {
		return seiserrors.ErrStaleBlockHash
	}
	if head > anchorNumber && head-anchorNumber > n.window {
		return seiserrors.ErrStaleBlockHash
	}

	// 过期：expires_at_block小于链头即拒绝
	if elements.ExpiresAtBlock < head {
		return seiserrors.ErrTransactionExpired
	}

	// 链ID
	if signed.Tx.ChainID != n.chainID {
		return seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityHigh, "WRONG_CHAIN", "链ID不匹配")
	}

	return nil
}

// decrypt TEE边界内的解密
// 用长期私钥和发送方临时公钥派生对称密钥，从交易字段重建AAD；
// 任何字段被篡改都会使标签校验失败
func (n *Node) decrypt(signed *tx.SignedTxSeismic, sender common.Address) ([]byte, []byte, crypto.SymmetricKey, *seiserrors.SeismicError) {
	key, err := n.teeKey.DeriveSharedSecret(signed.Tx.Elements.EncryptionPubkey)
	if err != nil {
		return nil, nil, crypto.SymmetricKey{}, seiserrors.NewInvalidPublicKey(err)
	}

	metadata, err := tx.MetadataFromTransaction(sender, signed.Tx)
	if err != nil {
		return nil, nil, crypto.SymmetricKey{}, seiserrors.WrapError(err, seiserrors.ErrorTypeProtocol, seiserrors.SeverityHigh, "METADATA_REBUILD", "重建交易元数据失败")
	}
	aad, err := metadata.EncodeAAD()
	if err != nil {
		return nil, nil, crypto.SymmetricKey{}, seiserrors.WrapError(err, seiserrors.ErrorTypeProtocol, seiserrors.SeverityHigh, "AAD_ENCODE", "编码AAD失败")
	}

	plaintext, err := crypto.Decrypt(key, signed.Tx.Elements.EncryptionNonce, signed.Tx.Data, aad)
	if err != nil {
		return nil, nil, crypto.SymmetricKey{}, seiserrors.NewAEADAuthentication(err)
	}
	return plaintext, aad, key, nil
}

// recoverAndCheckSender 恢复签名者并核对
// 恢复出的地址就是AAD里的sender；恢复失败意味着AAD无法重建，直接拒绝
func (n *Node) recoverAndCheckSender(signed *tx.SignedTxSeismic) (common.Address, *seiserrors.SeismicError) {
	sender, err := signed.RecoverSender()
	if err != nil {
		return common.Address{}, seiserrors.WrapError(err, seiserrors.ErrorTypeSenderMismatch, seiserrors.SeverityCritical, "SIG_RECOVERY", "签名恢复失败")
	}
	return sender, nil
}

// SubmitRaw 处理eth_sendRawTransaction
// 只接受0x4A信封；校验→解密→执行→标志状态写入，没有部分状态
func (n *Node) SubmitRaw(raw []byte) (common.Hash, error) {
	if len(raw) == 0 {
		return common.Hash{}, seiserrors.NewMalformedResponse(fmt.Errorf("空交易数据"))
	}
	if raw[0] != tx.TxTypeSeismic {
		if tx.HasStrayElements(raw) {
			n.errs.Handle(seiserrors.ErrElementsOnLegacy)
			return common.Hash{}, seiserrors.ErrElementsOnLegacy
		}
		return common.Hash{}, seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityMedium, "UNSUPPORTED_TYPE", fmt.Sprintf("开发节点只接受0x4A信封，收到0x%02x", raw[0]))
	}

	signed, err := tx.Decode(raw)
	if err != nil {
		return common.Hash{}, seiserrors.WrapError(err, seiserrors.ErrorTypeProtocol, seiserrors.SeverityHigh, "DECODE_FAILED", "解码0x4A信封失败")
	}
	// 要素完整性先于签名恢复：不完整的信封连签名哈希都无法构造
	if err := signed.Tx.Elements.Complete(); err != nil {
		n.errs.Handle(seiserrors.ErrIncompleteElements)
		return common.Hash{}, seiserrors.ErrIncompleteElements
	}
	if signed.Tx.Elements.SignedRead {
		return common.Hash{}, seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityMedium, "SIGNED_READ_BROADCAST", "signed_read交易不允许广播")
	}

	sender, serr := n.recoverAndCheckSender(signed)
	if serr != nil {
		n.errs.Handle(serr)
		return common.Hash{}, serr
	}
	if serr := n.validate(signed); serr != nil {
		n.errs.Handle(serr)
		return common.Hash{}, serr
	}

	// 从相等检查到nonce递增，整段持有该账户的预占位
	// 并发重放同一信封时，后来者在这里拿不到占位，直接拒绝
	if serr := n.reserveNonce(sender, signed.Tx.Nonce); serr != nil {
		n.errs.Handle(serr)
		return common.Hash{}, serr
	}
	committed := false
	defer func() {
		if !committed {
			n.releaseNonce(sender)
		}
	}()

	plaintext, _, _, serr := n.decrypt(signed, sender)
	if serr != nil {
		n.errs.Handle(serr)
		return common.Hash{}, serr
	}

	txHash, err := signed.Hash()
	if err != nil {
		return common.Hash{}, err
	}

	// 执行解密后的存储程序
	status := uint64(1)
	if _, err := n.execute(*signed.Tx.To, plaintext, true); err != nil {
		// 屏蔽交易的revert不携带额外信息，原因一律不回传
		status = 0
		n.logger.WithFields(logrus.Fields{
			"tx_hash": txHash.Hex(),
		}).Warn("执行回滚")
	}

	n.mu.Lock()
	n.nonces[sender]++
	delete(n.inflight, sender)
	n.head++
	n.recordBlock(n.head)
	blockNumber := n.head
	n.mu.Unlock()
	committed = true

	receipt := &Receipt{
		TxHash:      txHash.Hex(),
		Sender:      sender.Hex(),
		To:          signed.Tx.To.Hex(),
		BlockNumber: blockNumber,
		Status:      status,
		GasUsed:     signed.Tx.GasLimit,
		DataLength:  len(plaintext),
	}
	record, err := json.Marshal(receipt)
	if err == nil {
		if err := n.store.PutReceipt(txHash, record); err != nil {
			n.logger.Warnf("持久化回执失败: %v", err)
		}
	}

	if n.outputs != nil {
		if err := n.outputs.WriteAcceptedTransaction(output.AcceptedTransactionFromReceipt(receipt.TxHash, receipt.Sender, receipt.To, receipt.BlockNumber, receipt.Status)); err != nil {
			n.logger.Warnf("输出已接受交易事件失败: %v", err)
		}
	}

	n.logger.Infof("屏蔽交易已执行: %s (区块%d)", txHash.Hex(), blockNumber)
	return txHash, nil
}

// SignedCall 处理认证只读调用（同一0x4A信封，signed_read=true，不广播）
// 解密调用输入，只读执行，用同一对称密钥和新nonce加密返回值
func (n *Node) SignedCall(raw []byte) (*tx.EncryptedCallResult, error) {
	signed, err := tx.Decode(raw)
	if err != nil {
		return nil, seiserrors.WrapError(err, seiserrors.ErrorTypeProtocol, seiserrors.SeverityHigh, "DECODE_FAILED", "解码0x4A信封失败")
	}
	if err := signed.Tx.Elements.Complete(); err != nil {
		return nil, seiserrors.ErrIncompleteElements
	}
	if !signed.Tx.Elements.SignedRead {
		return nil, seiserrors.NewSeismicError(seiserrors.ErrorTypeProtocol, seiserrors.SeverityMedium, "NOT_SIGNED_READ", "非signed_read信封")
	}

	sender, serr := n.recoverAndCheckSender(signed)
	if serr != nil {
		return nil, serr
	}
	if serr := n.validate(signed); serr != nil {
		return nil, serr
	}

	plaintext, aad, key, serr := n.decrypt(signed, sender)
	if serr != nil {
		return nil, serr
	}

	result, err := n.execute(*signed.Tx.To, plaintext, false)
	if err != nil {
		return nil, seiserrors.WrapError(err, seiserrors.ErrorTypeReverted, seiserrors.SeverityLow, "CALL_REVERTED", "调用回滚")
	}

	responseNonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(key, responseNonce, result, aad)
	if err != nil {
		return nil, err
	}

	return &tx.EncryptedCallResult{
		Nonce: responseNonce.Bytes(),
		Data:  ciphertext,
	}, nil
}

// Call 未认证调用：调用方身份固定为全零，只读执行，明文返回
func (n *Node) Call(to common.Address, data []byte) ([]byte, error) {
	return n.execute(to, data, false)
}

// StorageAt 处理eth_getStorageAt
// 私有槽返回显式错误而非零值——外部存储读取接口不参与标志语义
func (n *Node) StorageAt(account common.Address, slot common.Hash) (common.Hash, error) {
	flagged, err := n.store.Inspect(account, storage.Word(slot))
	if err != nil {
		return common.Hash{}, err
	}
	if flagged == nil {
		return common.Hash{}, nil
	}
	if flagged.Private {
		return common.Hash{}, seiserrors.ErrPrivateSlot
	}
	return common.Hash(flagged.Value), nil
}

// ErrorStats 返回协议校验错误的统计快照
func (n *Node) ErrorStats() *seiserrors.ErrorStats {
	return n.errs.Stats()
}

// GetReceipt 读取交易回执
func (n *Node) GetReceipt(txHash common.Hash) (*Receipt, error) {
	record, err := n.store.GetReceipt(txHash)
	if err != nil || record == nil {
		return nil, err
	}
	var receipt Receipt
	if err := json.Unmarshal(record, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// execute 在标志存储上执行存储程序
// 写操作只在mutate=true时允许；读操作把读出的字追加到返回数据。
// 错配指令族的读取得到零值而非错误，误用表现为"读回为零"
func (n *Node) execute(target common.Address, program []byte, mutate bool) ([]byte, error) {
	var result []byte
	i := 0
	for i < len(program) {
		op := program[i]
		i++
		switch op {
		case opPublicStore, opPrivateStore:
			if !mutate {
				return nil, fmt.Errorf("只读执行中出现写操作")
			}
			if i+64 > len(program) {
				return nil, fmt.Errorf("存储程序截断")
			}
			var slot, value storage.Word
			copy(slot[:], program[i:i+32])
			copy(value[:], program[i+32:i+64])
			i += 64

			var err error
			if op == opPublicStore {
				err = n.store.StorePublic(target, slot, value)
			} else {
				err = n.store.StorePrivate(target, slot, value)
			}
			if err != nil {
				return nil, err
			}

		case opPublicLoad, opPrivateLoad:
			if i+32 > len(program) {
				return nil, fmt.Errorf("存储程序截断")
			}
			var slot storage.Word
			copy(slot[:], program[i:i+32])
			i += 32

			var value storage.Word
			var err error
			if op == opPublicLoad {
				value, err = n.store.LoadPublic(target, slot)
			} else {
				value, err = n.store.LoadPrivate(target, slot)
			}
			if err != nil {
				return nil, err
			}
			result = append(result, value[:]...)

		default:
			return nil, fmt.Errorf("未知操作码: 0x%02x", op)
		}
	}
	return result, nil
}
