package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del escrow.
type Config struct {
	Escrow  EscrowConfig  `yaml:"escrow"`
	Assets  []AssetConfig `yaml:"assets"`
	Yield   YieldConfig   `yaml:"yield"`
	Swap    SwapConfig    `yaml:"swap"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// EscrowConfig identifica el escrow y acota los timeouts de disputa.
type EscrowConfig struct {
	Address          string `yaml:"address"` // dueño de las cuentas de custodia
	Admin            string `yaml:"admin"`
	ChainID          int64  `yaml:"chain_id"` // dominio EIP-712
	SettlementAsset  string `yaml:"settlement_asset"`
	MinTimeoutHours  int    `yaml:"min_timeout_hours"`
	MaxTimeoutHours  int    `yaml:"max_timeout_hours"`
	DefaultSplitPct  int    `yaml:"default_split_pct"` // usado por los escenarios del CLI
	DefaultTimeoutHr int    `yaml:"default_timeout_hours"`
}

// AssetConfig registra un asset en el token ledger.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// YieldConfig controla el vault simulado.
type YieldConfig struct {
	Address string `yaml:"address"`
	APYBps  uint64 `yaml:"apy_bps"`
	Reserve string `yaml:"reserve"` // unidades enteras del settlement asset
}

// SwapConfig configura el hook y el facility de liquidez.
type SwapConfig struct {
	HookAddress     string       `yaml:"hook_address"`
	FacilityAddress string       `yaml:"facility_address"`
	Pools           []PoolConfig `yaml:"pools"`
}

// PoolConfig es un pool settlement asset / preferred asset.
// Rate: unidades de Preferred por unidad de settlement asset, neto de fees.
type PoolConfig struct {
	Preferred   string `yaml:"preferred"`
	Fee         uint32 `yaml:"fee"`
	TickSpacing int32  `yaml:"tick_spacing"`
	Rate        string `yaml:"rate"`
	Reserve     string `yaml:"reserve"` // unidades enteras de Preferred
}

// BridgeConfig contiene el endpoint del servicio de bridge.
type BridgeConfig struct {
	BaseURL        string  `yaml:"base_url"` // vacío = bridge deshabilitado
	APIKey         string  `yaml:"api_key"`
	Address        string  `yaml:"address"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	Burst          int     `yaml:"burst"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
// Un path vacío usa solo env + defaults.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate revisa direcciones, montos y rates.
func (c *Config) Validate() error {
	addrs := map[string]string{
		"escrow.address":        c.Escrow.Address,
		"escrow.admin":          c.Escrow.Admin,
		"yield.address":         c.Yield.Address,
		"swap.hook_address":     c.Swap.HookAddress,
		"swap.facility_address": c.Swap.FacilityAddress,
		"bridge.address":        c.Bridge.Address,
	}
	for field, v := range addrs {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("%s: invalid address %q", field, v)
		}
	}
	if c.Escrow.MinTimeoutHours > c.Escrow.MaxTimeoutHours {
		return fmt.Errorf("escrow: min_timeout_hours %d > max_timeout_hours %d",
			c.Escrow.MinTimeoutHours, c.Escrow.MaxTimeoutHours)
	}
	if _, ok := c.Decimals()[c.Escrow.SettlementAsset]; !ok {
		return fmt.Errorf("escrow.settlement_asset %q is not in assets", c.Escrow.SettlementAsset)
	}
	if _, err := decimal.NewFromString(c.Yield.Reserve); err != nil {
		return fmt.Errorf("yield.reserve: %w", err)
	}
	for i, p := range c.Swap.Pools {
		if _, ok := c.Decimals()[p.Preferred]; !ok {
			return fmt.Errorf("swap.pools[%d]: asset %q is not in assets", i, p.Preferred)
		}
		if p.Preferred == c.Escrow.SettlementAsset {
			return fmt.Errorf("swap.pools[%d]: preferred asset equals settlement asset", i)
		}
		rate, err := decimal.NewFromString(p.Rate)
		if err != nil || !rate.IsPositive() {
			return fmt.Errorf("swap.pools[%d]: invalid rate %q", i, p.Rate)
		}
		if _, err := decimal.NewFromString(p.Reserve); err != nil {
			return fmt.Errorf("swap.pools[%d].reserve: %w", i, err)
		}
	}
	return nil
}

// MinTimeout devuelve el timeout mínimo de disputa.
func (c *Config) MinTimeout() time.Duration {
	return time.Duration(c.Escrow.MinTimeoutHours) * time.Hour
}

// MaxTimeout devuelve el timeout máximo de disputa.
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Escrow.MaxTimeoutHours) * time.Hour
}

// DefaultTimeout devuelve el timeout usado por los escenarios.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Escrow.DefaultTimeoutHr) * time.Hour
}

// BridgeTimeout devuelve el timeout HTTP del cliente de bridge.
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutSeconds) * time.Second
}

// Decimals indexa los decimales por símbolo.
func (c *Config) Decimals() map[string]uint8 {
	out := make(map[string]uint8, len(c.Assets))
	for _, a := range c.Assets {
		out[a.Symbol] = a.Decimals
	}
	return out
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ESCROW_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ESCROW_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Escrow.ChainID = id
		}
	}
	if v := os.Getenv("BRIDGE_URL"); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := os.Getenv("BRIDGE_API_KEY"); v != "" {
		cfg.Bridge.APIKey = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Escrow.Address == "" {
		cfg.Escrow.Address = labelAddress("escrow")
	}
	if cfg.Escrow.Admin == "" {
		cfg.Escrow.Admin = labelAddress("admin")
	}
	if cfg.Escrow.ChainID == 0 {
		cfg.Escrow.ChainID = 1
	}
	if cfg.Escrow.SettlementAsset == "" {
		cfg.Escrow.SettlementAsset = "USDC"
	}
	if cfg.Escrow.MinTimeoutHours <= 0 {
		cfg.Escrow.MinTimeoutHours = 24
	}
	if cfg.Escrow.MaxTimeoutHours <= 0 {
		cfg.Escrow.MaxTimeoutHours = 30 * 24
	}
	if cfg.Escrow.DefaultSplitPct <= 0 || cfg.Escrow.DefaultSplitPct > 100 {
		cfg.Escrow.DefaultSplitPct = 50
	}
	if cfg.Escrow.DefaultTimeoutHr <= 0 {
		cfg.Escrow.DefaultTimeoutHr = 48
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = []AssetConfig{
			{Symbol: "USDC", Decimals: 6},
			{Symbol: "WETH", Decimals: 18},
		}
	}
	if cfg.Yield.Address == "" {
		cfg.Yield.Address = labelAddress("yield")
	}
	if cfg.Yield.APYBps == 0 {
		cfg.Yield.APYBps = 500 // 5%
	}
	if cfg.Yield.Reserve == "" {
		cfg.Yield.Reserve = "1000000"
	}
	if cfg.Swap.HookAddress == "" {
		cfg.Swap.HookAddress = labelAddress("swaphook")
	}
	if cfg.Swap.FacilityAddress == "" {
		cfg.Swap.FacilityAddress = labelAddress("liquidity")
	}
	if len(cfg.Swap.Pools) == 0 {
		cfg.Swap.Pools = []PoolConfig{{
			Preferred:   "WETH",
			Fee:         3000,
			TickSpacing: 60,
			Rate:        "0.0005",
			Reserve:     "1000",
		}}
	}
	for i := range cfg.Swap.Pools {
		if cfg.Swap.Pools[i].Reserve == "" {
			cfg.Swap.Pools[i].Reserve = "0"
		}
	}
	if cfg.Bridge.Address == "" {
		cfg.Bridge.Address = labelAddress("bridge")
	}
	if cfg.Bridge.RatePerSec <= 0 {
		cfg.Bridge.RatePerSec = 5
	}
	if cfg.Bridge.Burst <= 0 {
		cfg.Bridge.Burst = 2
	}
	if cfg.Bridge.TimeoutSeconds <= 0 {
		cfg.Bridge.TimeoutSeconds = 10
	}
	cfg.Bridge.BaseURL = strings.TrimRight(cfg.Bridge.BaseURL, "/")
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "restless.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// labelAddress deriva una dirección fija a partir de un nombre.
func labelAddress(label string) string {
	return common.BytesToAddress(crypto.Keccak256([]byte("restless." + label))[12:]).Hex()
}
