package node

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// rpcRequest JSON-RPC 2.0请求
type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// rpcError JSON-RPC 2.0错误对象
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse JSON-RPC 2.0响应
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// callParams eth_call / eth_estimateGas的对象参数
type callParams struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Data  hexutil.Bytes   `json:"data"`
}

// Server 开发节点的JSON-RPC服务器
type Server struct {
	node   *Node
	logger *logrus.Logger
	server *http.Server
	port   int
}

// NewServer 创建JSON-RPC服务器
func NewServer(node *Node, logger *logrus.Logger, port int) *Server {
	return &Server{
		node:   node,
		logger: logger,
		port:   port,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	router.Use(gin.Recovery())

	router.GET("/health", s.healthCheck)
	router.POST("/", s.handleRPC)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: router,
	}

	s.logger.Infof("JSON-RPC服务器启动在端口 %d", s.port)
	return s.server.ListenAndServe()
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	head, _ := s.node.HeadBlock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "seismicd",
		"head":      head,
		"errors":    s.node.ErrorStats().TotalErrors,
	})
}

// handleRPC 处理JSON-RPC请求
func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}

	result, err := s.dispatch(&req)

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		s.logger.WithFields(logrus.Fields{
			"method": req.Method,
		}).Warnf("RPC请求失败: %v", err)
	} else {
		resp.Result = result
	}
	c.JSON(http.StatusOK, resp)
}

// dispatch 方法分发
func (s *Server) dispatch(req *rpcRequest) (interface{}, error) {
	switch req.Method {
	case "seismic_getTeePublicKey":
		key := s.node.TeePublicKey()
		return hexutil.Bytes(key.Bytes()), nil

	case "eth_chainId":
		return hexutil.Uint64(s.node.ChainID()), nil

	case "eth_blockNumber":
		return hexutil.Uint64(s.node.Head()), nil

	case "eth_getBlockByNumber":
		return s.handleGetBlock(req.Params)

	case "eth_getTransactionCount":
		return s.handleGetTransactionCount(req.Params)

	case "eth_gasPrice":
		// 开发节点的固定gas价格：1 gwei
		return (*hexutil.Big)(new(big.Int).SetUint64(1_000_000_000)), nil

	case "eth_estimateGas":
		return s.handleEstimateGas(req.Params)

	case "eth_sendRawTransaction":
		return s.handleSendRawTransaction(req.Params)

	case "eth_call":
		return s.handleCall(req.Params)

	case "eth_getStorageAt":
		return s.handleGetStorageAt(req.Params)

	case "eth_getTransactionReceipt":
		return s.handleGetReceipt(req.Params)

	default:
		return nil, fmt.Errorf("不支持的方法: %s", req.Method)
	}
}

// handleGetBlock 处理eth_getBlockByNumber
func (s *Server) handleGetBlock(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	var tag string
	if err := json.Unmarshal(params[0], &tag); err != nil {
		return nil, fmt.Errorf("无效的区块参数")
	}

	var number uint64
	if tag == "latest" || tag == "pending" {
		number = s.node.Head()
	} else {
		parsed, err := hexutil.DecodeUint64(tag)
		if err != nil {
			return nil, fmt.Errorf("无效的区块号: %s", tag)
		}
		number = parsed
	}

	hash, ok := s.node.BlockHash(number)
	if !ok {
		return nil, nil
	}
	return gin.H{
		"number": hexutil.Uint64(number),
		"hash":   hash,
	}, nil
}

// handleGetTransactionCount 处理eth_getTransactionCount
func (s *Server) handleGetTransactionCount(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	var account common.Address
	if err := json.Unmarshal(params[0], &account); err != nil {
		return nil, fmt.Errorf("无效的地址参数")
	}
	return hexutil.Uint64(s.node.PendingNonce(account)), nil
}

// handleEstimateGas 处理eth_estimateGas
// 开发节点不执行EVM，估算值只与密文长度挂钩
func (s *Server) handleEstimateGas(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	var args callParams
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, fmt.Errorf("无效的调用参数")
	}

	estimate := uint64(21000) + uint64(len(args.Data))*16
	return hexutil.Uint64(estimate), nil
}

// handleSendRawTransaction 处理eth_sendRawTransaction
func (s *Server) handleSendRawTransaction(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	var raw hexutil.Bytes
	if err := json.Unmarshal(params[0], &raw); err != nil {
		return nil, fmt.Errorf("无效的交易数据")
	}

	return s.node.SubmitRaw(raw)
}

// handleCall 处理eth_call的双重形态
// 参数是十六进制字符串时按signed_read信封处理（认证只读调用），
// 是对象时按未认证调用处理，sender固定为全零
func (s *Server) handleCall(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	// 先尝试signed_read形态
	var raw hexutil.Bytes
	if err := json.Unmarshal(params[0], &raw); err == nil {
		return s.node.SignedCall(raw)
	}

	var args callParams
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, fmt.Errorf("无效的调用参数")
	}
	if args.To == nil {
		return nil, fmt.Errorf("缺少目标地址")
	}

	result, err := s.node.Call(*args.To, args.Data)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(result), nil
}

// handleGetStorageAt 处理eth_getStorageAt
func (s *Server) handleGetStorageAt(params []json.RawMessage) (interface{}, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("缺少参数")
	}

	var account common.Address
	if err := json.Unmarshal(params[0], &account); err != nil {
		return nil, fmt.Errorf("无效的地址参数")
	}
	var slot common.Hash
	if err := json.Unmarshal(params[1], &slot); err != nil {
		return nil, fmt.Errorf("无效的槽位参数")
	}

	return s.node.StorageAt(account, slot)
}

// handleGetReceipt 处理eth_getTransactionReceipt
func (s *Server) handleGetReceipt(params []json.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("缺少参数")
	}

	var txHash common.Hash
	if err := json.Unmarshal(params[0], &txHash); err != nil {
		return nil, fmt.Errorf("无效的交易哈希")
	}

	receipt, err := s.node.GetReceipt(txHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}
	return receipt, nil
}
