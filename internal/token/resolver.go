package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Asset 描述一个可交易代币在交易场侧的标识与精度。
type Asset struct {
	AlphaID           string `json:"alphaId"`
	Symbol            string `json:"symbol"`
	BaseAsset         string `json:"baseAsset"`
	ChainID           string `json:"chainId"`
	PricePrecision    int32  `json:"pricePrecision"`
	QuantityPrecision int32  `json:"quantityPrecision"`
}

// Lister 是远端代币目录协作方。
type Lister interface {
	TokenList(ctx context.Context) ([]Asset, error)
}

// builtins 为兜底的内置映射，远端与本地缓存都不可用时使用。
var builtins = map[string]Asset{
	"BR": {
		AlphaID:           "ALPHA_118",
		Symbol:            "BR",
		BaseAsset:         "BR",
		ChainID:           "56",
		PricePrecision:    8,
		QuantityPrecision: 2,
	},
	"ZKJ": {
		AlphaID:           "ALPHA_129",
		Symbol:            "ZKJ",
		BaseAsset:         "ZKJ",
		ChainID:           "56",
		PricePrecision:    8,
		QuantityPrecision: 2,
	},
	"KOGE": {
		AlphaID:           "ALPHA_22",
		Symbol:            "KOGE",
		BaseAsset:         "KOGE",
		ChainID:           "56",
		PricePrecision:    8,
		QuantityPrecision: 2,
	},
}

// Resolver 将代币符号解析为交易场资产，按三级回退：
// 本地缓存文件 → 远端目录查询 → 内置静态表。三级全部失败只影响当前账户。
type Resolver struct {
	path   string
	lister Lister
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[string]Asset
	loaded bool
}

// NewResolver 创建解析器。path 为缓存文件路径，可为空表示不落盘。
func NewResolver(path string, lister Lister, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		path:   path,
		lister: lister,
		logger: logger,
		cache:  make(map[string]Asset),
	}
}

// Resolve 解析符号。任何一级命中即返回。
func (r *Resolver) Resolve(ctx context.Context, symbol string) (Asset, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return Asset{}, fmt.Errorf("token: 代币符号为空")
	}

	r.mu.Lock()
	if !r.loaded {
		r.loadFileLocked()
		r.loaded = true
	}
	if asset, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return asset, nil
	}
	r.mu.Unlock()

	if asset, ok := r.refresh(ctx, key); ok {
		return asset, nil
	}

	if asset, ok := builtins[key]; ok {
		r.logger.Warn("使用内置代币映射兜底", zap.String("symbol", key))
		return asset, nil
	}

	return Asset{}, fmt.Errorf("token: 无法解析代币 %s", key)
}

// refresh 拉取远端目录并刷新缓存，命中目标符号时返回。
func (r *Resolver) refresh(ctx context.Context, key string) (Asset, bool) {
	if r.lister == nil {
		return Asset{}, false
	}

	assets, err := r.lister.TokenList(ctx)
	if err != nil {
		r.logger.Warn("拉取代币目录失败", zap.Error(err))
		return Asset{}, false
	}

	r.mu.Lock()
	for _, a := range assets {
		sym := strings.ToUpper(a.Symbol)
		if sym == "" {
			continue
		}
		r.cache[sym] = a
	}
	asset, ok := r.cache[key]
	r.mu.Unlock()

	if err := r.saveFile(); err != nil {
		r.logger.Warn("写入代币缓存文件失败", zap.Error(err))
	}
	return asset, ok
}

func (r *Resolver) loadFileLocked() {
	if r.path == "" {
		return
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("读取代币缓存文件失败", zap.Error(err))
		}
		return
	}
	var assets []Asset
	if err := json.Unmarshal(raw, &assets); err != nil {
		r.logger.Warn("解析代币缓存文件失败", zap.Error(err))
		return
	}
	for _, a := range assets {
		sym := strings.ToUpper(a.Symbol)
		if sym != "" {
			r.cache[sym] = a
		}
	}
}

func (r *Resolver) saveFile() error {
	if r.path == "" {
		return nil
	}

	r.mu.Lock()
	assets := make([]Asset, 0, len(r.cache))
	for _, a := range r.cache {
		assets = append(assets, a)
	}
	r.mu.Unlock()

	raw, err := json.MarshalIndent(assets, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(r.path, raw, 0o644)
}
