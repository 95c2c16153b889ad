package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"seismic/internal/client"
	"seismic/internal/config"
	"seismic/internal/logging"
	"seismic/internal/retry"
)

var (
	configFile string
	rpcURL     string
	keyHex     string
	verbose    bool
	typed      bool

	toHex    string
	valueStr string
	dataHex  string

	accountHex string
	slotHex    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seismic",
		Short: "Seismic屏蔽交易客户端",
		Long:  `Seismic屏蔽交易客户端：构建、加密、签名并提交0x4A交易，发起认证只读调用`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc", "", "RPC节点地址（覆盖配置文件）")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "提交一笔屏蔽交易",
		RunE:  runSend,
	}
	sendCmd.Flags().StringVar(&keyHex, "key", "", "签名私钥（hex）")
	sendCmd.Flags().StringVar(&toHex, "to", "", "接收方地址")
	sendCmd.Flags().StringVar(&valueStr, "value", "0", "转账金额（wei）")
	sendCmd.Flags().StringVar(&dataHex, "data", "0x", "明文calldata（hex），客户端负责加密")
	sendCmd.Flags().BoolVar(&typed, "typed", false, "使用EIP-712结构化签名模式")

	readCmd := &cobra.Command{
		Use:   "read",
		Short: "认证只读调用（signed read）",
		RunE:  runSignedRead,
	}
	readCmd.Flags().StringVar(&keyHex, "key", "", "签名私钥（hex）")
	readCmd.Flags().StringVar(&toHex, "to", "", "目标合约地址")
	readCmd.Flags().StringVar(&dataHex, "data", "0x", "明文调用输入（hex）")
	readCmd.Flags().BoolVar(&typed, "typed", false, "使用EIP-712结构化签名模式")

	callCmd := &cobra.Command{
		Use:   "call",
		Short: "未认证只读调用（sender为全零占位）",
		RunE:  runCall,
	}
	callCmd.Flags().StringVar(&toHex, "to", "", "目标合约地址")
	callCmd.Flags().StringVar(&dataHex, "data", "0x", "调用输入（hex）")

	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "读取存储槽（私有槽返回显式错误）",
		RunE:  runStorage,
	}
	storageCmd.Flags().StringVar(&accountHex, "account", "", "合约地址")
	storageCmd.Flags().StringVar(&slotHex, "slot", "", "存储槽（hex）")

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成签名私钥",
		RunE:  runKeygen,
	}

	teeKeyCmd := &cobra.Command{
		Use:   "tee-key",
		Short: "查询节点的TEE公钥",
		RunE:  runTeeKey,
	}

	rootCmd.AddCommand(sendCmd, readCmd, callCmd, storageCmd, keygenCmd, teeKeyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadClientConfig 加载客户端配置并应用命令行覆盖
func loadClientConfig() (*config.ClientConfig, error) {
	cfg := config.GetDefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if rpcURL != "" {
		cfg.Client.RPCURL = rpcURL
	}
	return cfg.Client, nil
}

func logLevel() string {
	if verbose {
		return "debug"
	}
	return "info"
}

func newSigningClient(ctx context.Context, clientCfg *config.ClientConfig) (*client.SigningClient, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("缺少签名私钥，使用--key指定")
	}
	key, err := gethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}

	return client.NewSigningClient(ctx, &client.SigningClientOptions{
		Endpoint:          clientCfg.RPCURL,
		SigningKey:        key,
		ExpiryWindow:      clientCfg.ExpiryWindow,
		StructuredSigning: typed || clientCfg.StructuredSigning,
	}, logging.NewLogrusLogger(logLevel()))
}

func parseSendArgs() (common.Address, *big.Int, []byte, error) {
	if toHex == "" {
		return common.Address{}, nil, nil, fmt.Errorf("缺少接收方地址，使用--to指定")
	}
	to := common.HexToAddress(toHex)

	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("无效的金额: %s", valueStr)
	}

	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("无效的calldata: %w", err)
	}
	return to, value, data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	to, value, data, err := parseSendArgs()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	signingClient, err := newSigningClient(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer signingClient.Close()

	logger := logging.NewLogrusLogger(logLevel())

	// 广播状态未知的失败不会被重试：盲目重发同nonce交易有双重广播风险
	retrier := retry.NewRetrier(retry.NetworkRetryConfig, logger)
	var txHash common.Hash
	err = retrier.Execute(ctx, "send_shielded_transaction", func() error {
		hash, sendErr := signingClient.Send(ctx, to, value, data)
		if sendErr != nil {
			return sendErr
		}
		txHash = hash
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("交易哈希: %s\n", txHash.Hex())
	return nil
}

func runSignedRead(cmd *cobra.Command, args []string) error {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	to, _, data, err := parseSendArgs()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	signingClient, err := newSigningClient(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer signingClient.Close()

	result, err := signingClient.SignedCall(ctx, to, nil, data)
	if err != nil {
		return err
	}

	fmt.Printf("返回数据: %s\n", hexutil.Encode(result))
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	if toHex == "" {
		return fmt.Errorf("缺少目标地址，使用--to指定")
	}
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return fmt.Errorf("无效的调用输入: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	readClient, err := client.NewReadClient(ctx, clientCfg.RPCURL, logging.NewLogrusLogger(logLevel()))
	if err != nil {
		return err
	}
	defer readClient.Close()

	result, err := readClient.Call(ctx, common.HexToAddress(toHex), nil, data)
	if err != nil {
		return err
	}

	fmt.Printf("返回数据: %s\n", hexutil.Encode(result))
	return nil
}

func runStorage(cmd *cobra.Command, args []string) error {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	if accountHex == "" || slotHex == "" {
		return fmt.Errorf("缺少参数，使用--account和--slot指定")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	readClient, err := client.NewReadClient(ctx, clientCfg.RPCURL, logging.NewLogrusLogger(logLevel()))
	if err != nil {
		return err
	}
	defer readClient.Close()

	value, err := readClient.StorageAt(ctx, common.HexToAddress(accountHex), common.HexToHash(slotHex))
	if err != nil {
		return err
	}

	fmt.Printf("槽位值: %s\n", value.Hex())
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("生成私钥失败: %w", err)
	}

	fmt.Printf("私钥: %x\n", gethcrypto.FromECDSA(key))
	fmt.Printf("地址: %s\n", gethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	return nil
}

func runTeeKey(cmd *cobra.Command, args []string) error {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	readClient, err := client.NewReadClient(ctx, clientCfg.RPCURL, logging.NewLogrusLogger(logLevel()))
	if err != nil {
		return err
	}
	defer readClient.Close()

	teeKey, err := readClient.TeePublicKey(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("TEE公钥: %s\n", teeKey.Hex())
	return nil
}
