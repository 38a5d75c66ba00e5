// Package chain EVM链上报价协作方实现
// 基于go-ethereum的ethclient实现只读报价模拟与储备读取
// 每条链维护一个惰性建立的RPC连接
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// 协议类型常量（注册表protocol_type字段取值）
const (
	ProtocolUniswapV2 = "uniswap_v2"
	ProtocolUniswapV3 = "uniswap_v3"
)

// 各协议的默认Gas估算，EstimateGas对只读报价模拟不适用
const (
	defaultGasV2 = uint64(150000)
	defaultGasV3 = uint64(185000)
)

// 最小化ABI定义，仅包含引擎用到的方法
const (
	routerV2ABI = `[{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}]`

	quoterV3ABI = `[{"name":"quoteExactInputSingle","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"outputs":[{"name":"amountOut","type":"uint256"}]}]`

	factoryV2ABI = `[{"name":"getPair","type":"function","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}]`

	pairV2ABI = `[{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]}]`
)

// EvmClient EVM链上协作方
// 实现QuoteSimulator，连接按链惰性建立并复用
type EvmClient struct {
	mu      sync.Mutex
	rpcURLs map[uint]string
	clients map[uint]*ethclient.Client
	logger  *logrus.Logger

	routerABI  abi.ABI
	quoterABI  abi.ABI
	factoryABI abi.ABI
	pairABI    abi.ABI
}

// NewEvmClient 创建EVM协作方实例
// rpcURLs为链ID到RPC端点的映射（来自注册表networks段）
func NewEvmClient(rpcURLs map[uint]string, logger *logrus.Logger) (*EvmClient, error) {
	routerABI, err := abi.JSON(strings.NewReader(routerV2ABI))
	if err != nil {
		return nil, fmt.Errorf("解析V2路由ABI失败: %w", err)
	}
	quoterABI, err := abi.JSON(strings.NewReader(quoterV3ABI))
	if err != nil {
		return nil, fmt.Errorf("解析V3报价ABI失败: %w", err)
	}
	factoryABI, err := abi.JSON(strings.NewReader(factoryV2ABI))
	if err != nil {
		return nil, fmt.Errorf("解析工厂ABI失败: %w", err)
	}
	pairABI, err := abi.JSON(strings.NewReader(pairV2ABI))
	if err != nil {
		return nil, fmt.Errorf("解析交易对ABI失败: %w", err)
	}

	return &EvmClient{
		rpcURLs:    rpcURLs,
		clients:    make(map[uint]*ethclient.Client),
		logger:     logger,
		routerABI:  routerABI,
		quoterABI:  quoterABI,
		factoryABI: factoryABI,
		pairABI:    pairABI,
	}, nil
}

// client 获取指定链的RPC连接（惰性建立）
func (c *EvmClient) client(ctx context.Context, networkID uint) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[networkID]; ok {
		return client, nil
	}
	url, ok := c.rpcURLs[networkID]
	if !ok || url == "" {
		return nil, fmt.Errorf("链 %d 未配置RPC端点", networkID)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接链 %d RPC失败: %w", networkID, err)
	}
	c.clients[networkID] = client
	c.logger.Infof("🔗 已建立链 %d 的RPC连接", networkID)
	return client, nil
}

// call 执行只读合约调用
func (c *EvmClient) call(ctx context.Context, networkID uint, to common.Address, data []byte) ([]byte, error) {
	client, err := c.client(ctx, networkID)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// ========================================
// QuoteSimulator接口实现
// ========================================

// SimulateQuote 只读报价模拟
// uniswap_v2走router.getAmountsOut，uniswap_v3走quoter.quoteExactInputSingle
func (c *EvmClient) SimulateQuote(ctx context.Context, networkID uint, contract string, protocolType string, tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, uint64, error) {
	switch protocolType {
	case ProtocolUniswapV2:
		return c.simulateV2(ctx, networkID, contract, tokenIn, tokenOut, amountIn)
	case ProtocolUniswapV3:
		return c.simulateV3(ctx, networkID, contract, tokenIn, tokenOut, amountIn)
	default:
		return nil, 0, fmt.Errorf("不支持的协议类型: %s", protocolType)
	}
}

func (c *EvmClient) simulateV2(ctx context.Context, networkID uint, router string, tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, uint64, error) {
	path := []common.Address{common.HexToAddress(tokenIn), common.HexToAddress(tokenOut)}
	data, err := c.routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, 0, fmt.Errorf("编码getAmountsOut失败: %w", err)
	}

	out, err := c.call(ctx, networkID, common.HexToAddress(router), data)
	if err != nil {
		return nil, 0, fmt.Errorf("getAmountsOut调用失败: %w", err)
	}

	results, err := c.routerABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, 0, fmt.Errorf("解码getAmountsOut失败: %w", err)
	}
	amounts, ok := results[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, 0, fmt.Errorf("getAmountsOut返回格式异常")
	}
	return amounts[len(amounts)-1], defaultGasV2, nil
}

func (c *EvmClient) simulateV3(ctx context.Context, networkID uint, quoter string, tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, uint64, error) {
	// 3000 = 0.3%费率档，主流交易对的默认池
	data, err := c.quoterABI.Pack("quoteExactInputSingle",
		common.HexToAddress(tokenIn), common.HexToAddress(tokenOut),
		big.NewInt(3000), amountIn, big.NewInt(0))
	if err != nil {
		return nil, 0, fmt.Errorf("编码quoteExactInputSingle失败: %w", err)
	}

	out, err := c.call(ctx, networkID, common.HexToAddress(quoter), data)
	if err != nil {
		return nil, 0, fmt.Errorf("quoteExactInputSingle调用失败: %w", err)
	}

	results, err := c.quoterABI.Unpack("quoteExactInputSingle", out)
	if err != nil {
		return nil, 0, fmt.Errorf("解码quoteExactInputSingle失败: %w", err)
	}
	amountOut, ok := results[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("quoteExactInputSingle返回格式异常")
	}
	return amountOut, defaultGasV3, nil
}

// FindPool 通过V2工厂合约查找交易对地址
func (c *EvmClient) FindPool(ctx context.Context, networkID uint, factory string, tokenA, tokenB string) (string, error) {
	data, err := c.factoryABI.Pack("getPair", common.HexToAddress(tokenA), common.HexToAddress(tokenB))
	if err != nil {
		return "", fmt.Errorf("编码getPair失败: %w", err)
	}

	out, err := c.call(ctx, networkID, common.HexToAddress(factory), data)
	if err != nil {
		return "", fmt.Errorf("getPair调用失败: %w", err)
	}

	results, err := c.factoryABI.Unpack("getPair", out)
	if err != nil {
		return "", fmt.Errorf("解码getPair失败: %w", err)
	}
	pool, ok := results[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("getPair返回格式异常")
	}
	if pool == (common.Address{}) {
		return "", fmt.Errorf("交易对不存在: %s/%s", tokenA, tokenB)
	}
	return pool.Hex(), nil
}

// ReadPoolReserves 读取V2交易对储备
// 按代币地址排序规则将(reserve0, reserve1)映射为(reserveIn, reserveOut)
func (c *EvmClient) ReadPoolReserves(ctx context.Context, networkID uint, pool string, tokenIn, tokenOut string) (*big.Int, *big.Int, error) {
	data, err := c.pairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("编码getReserves失败: %w", err)
	}

	out, err := c.call(ctx, networkID, common.HexToAddress(pool), data)
	if err != nil {
		return nil, nil, fmt.Errorf("getReserves调用失败: %w", err)
	}

	results, err := c.pairABI.Unpack("getReserves", out)
	if err != nil {
		return nil, nil, fmt.Errorf("解码getReserves失败: %w", err)
	}
	reserve0, ok0 := results[0].(*big.Int)
	reserve1, ok1 := results[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves返回格式异常")
	}

	// V2交易对中token0是地址较小的一方
	in := common.HexToAddress(tokenIn)
	outAddr := common.HexToAddress(tokenOut)
	if in.Cmp(outAddr) < 0 {
		return reserve0, reserve1, nil
	}
	return reserve1, reserve0, nil
}

// ========================================
// 执行辅助
// ========================================

// SuggestGasPrice 查询链上建议Gas价格
func (c *EvmClient) SuggestGasPrice(ctx context.Context, networkID uint) (*big.Int, error) {
	client, err := c.client(ctx, networkID)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

// PackV2Swap 构造V2路由swapExactTokensForTokens的calldata
func (c *EvmClient) PackV2Swap(tokenIn, tokenOut string, amountIn, amountOutMin *big.Int, recipient string, deadline *big.Int) (string, error) {
	path := []common.Address{common.HexToAddress(tokenIn), common.HexToAddress(tokenOut)}
	data, err := c.routerABI.Pack("swapExactTokensForTokens",
		amountIn, amountOutMin, path, common.HexToAddress(recipient), deadline)
	if err != nil {
		return "", fmt.Errorf("编码swapExactTokensForTokens失败: %w", err)
	}
	return "0x" + common.Bytes2Hex(data), nil
}

// Close 关闭全部RPC连接
func (c *EvmClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		client.Close()
		delete(c.clients, id)
	}
}
