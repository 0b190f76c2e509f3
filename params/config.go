package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Auction struct {
	// Cadence is the interval between round opens. A round that runs longer than
	// Cadence delays the next one; rounds never overlap.
	Cadence time.Duration `yaml:"cadence"`
	// Duration is the proposal collection window of a round.
	Duration time.Duration `yaml:"duration"`
	// Quorum closes collection early once this many proposals were accepted (0 = deadline only).
	Quorum           int           `yaml:"quorum"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	NativeToken      string        `yaml:"native_token"`
	// MinSolverVolume drops orders worth less than this many native atoms before the
	// built-in solver sees them (0 disables the filter).
	MinSolverVolume string `yaml:"min_solver_volume"`
	// BuiltinSolver runs the greedy solver inside the node under this id (empty disables it).
	BuiltinSolver string `yaml:"builtin_solver"`
}

type Orders struct {
	MinValidity       time.Duration `yaml:"min_validity"`
	MaxValidity       time.Duration `yaml:"max_validity"`
	BannedOwners      []string      `yaml:"banned_owners"`
	UnsupportedTokens []string      `yaml:"unsupported_tokens"`
	// SubmitRate is the per-owner order submission rate (orders/second) enforced by the API.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

type Pricing struct {
	EstimatorTimeout time.Duration `yaml:"estimator_timeout"`
	MaxStaleness     time.Duration `yaml:"max_staleness"`
	Policy           string        `yaml:"policy"` // "median" or "best"
	// StaticPrices maps token address to a rational native price ("3/2", "0.001").
	StaticPrices map[string]string `yaml:"static_prices"`
}

// Pool is a constant-product liquidity pool offered to solvers.
type Pool struct {
	Address  string `yaml:"address"`
	TokenA   string `yaml:"token_a"`
	TokenB   string `yaml:"token_b"`
	ReserveA string `yaml:"reserve_a"`
	ReserveB string `yaml:"reserve_b"`
	FeeBps   uint32 `yaml:"fee_bps"`
}

type Chain struct {
	DryRun             bool   `yaml:"dry_run"`
	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	SettlementContract string `yaml:"settlement_contract"`
	SubmitterKey       string `yaml:"submitter_key"`
}

type Node struct {
	DataDir     string   `yaml:"data_dir"`
	LogFile     string   `yaml:"log_file"`
	APIAddr     string   `yaml:"api_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	P2PListen   string   `yaml:"p2p_listen"`
	Bootstrap   []string `yaml:"bootstrap"`
	// KafkaBrokers enables round outcome publishing when non-empty.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	// SolverSecret signs and verifies solver JWTs (HS256).
	SolverSecret string `yaml:"solver_secret"`
	// Solvers lists solver ids allowed to propose. p2p proposals use "id=0xaddress".
	Solvers []string `yaml:"solvers"`
	// CertificateKey is the hex BLS seed used to sign round certificates.
	CertificateKey string `yaml:"certificate_key"`
}

type Config struct {
	Auction Auction `yaml:"auction"`
	Orders  Orders  `yaml:"orders"`
	Pricing Pricing `yaml:"pricing"`
	Pools   []Pool  `yaml:"pools"`
	Chain   Chain   `yaml:"chain"`
	Node    Node    `yaml:"node"`
}

func Default() Config {
	return Config{
		Auction: Auction{
			Cadence:          15 * time.Second,
			Duration:         10 * time.Second,
			Quorum:           0,
			ExecutionTimeout: 60 * time.Second,
			NativeToken:      "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		},
		Orders: Orders{
			MinValidity: 60 * time.Second,
			MaxValidity: 3 * time.Hour,
			SubmitRate:  5,
			SubmitBurst: 20,
		},
		Pricing: Pricing{
			EstimatorTimeout: 2 * time.Second,
			MaxStaleness:     5 * time.Minute,
			Policy:           "median",
		},
		Chain: Chain{DryRun: true, ChainID: 1},
		Node: Node{
			DataDir:     "data",
			LogFile:     "data/logs/node.log",
			APIAddr:     ":8080",
			MetricsAddr: ":9090",
			P2PListen:   "/ip4/0.0.0.0/tcp/0",
			KafkaTopic:  "auction-rounds",
		},
	}
}

// LoadFile reads a YAML config on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from an optional YAML file, then .env file (if exists) and
// environment variables.
// Priority: ENV > .env file > YAML > defaults
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path := os.Getenv("AUCTION_CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}

	setDurationMs(&cfg.Auction.Cadence, "AUCTION_CADENCE_MS")
	setDurationMs(&cfg.Auction.Duration, "AUCTION_ROUND_DURATION_MS")
	setDurationMs(&cfg.Auction.ExecutionTimeout, "AUCTION_EXECUTION_TIMEOUT_MS")
	setInt(&cfg.Auction.Quorum, "AUCTION_QUORUM")
	cfg.Auction.NativeToken = getEnv("AUCTION_NATIVE_TOKEN", cfg.Auction.NativeToken)
	cfg.Auction.MinSolverVolume = getEnv("AUCTION_MIN_SOLVER_VOLUME", cfg.Auction.MinSolverVolume)
	cfg.Auction.BuiltinSolver = getEnv("AUCTION_BUILTIN_SOLVER", cfg.Auction.BuiltinSolver)

	setDurationMs(&cfg.Orders.MinValidity, "ORDERS_MIN_VALIDITY_MS")
	setDurationMs(&cfg.Orders.MaxValidity, "ORDERS_MAX_VALIDITY_MS")
	setList(&cfg.Orders.BannedOwners, "ORDERS_BANNED_OWNERS")
	setList(&cfg.Orders.UnsupportedTokens, "ORDERS_UNSUPPORTED_TOKENS")

	setDurationMs(&cfg.Pricing.EstimatorTimeout, "PRICING_ESTIMATOR_TIMEOUT_MS")
	setDurationMs(&cfg.Pricing.MaxStaleness, "PRICING_MAX_STALENESS_MS")
	cfg.Pricing.Policy = getEnv("PRICING_POLICY", cfg.Pricing.Policy)

	if v := os.Getenv("CHAIN_DRY_RUN"); v != "" {
		cfg.Chain.DryRun = v == "true"
	}
	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.SettlementContract = getEnv("CHAIN_SETTLEMENT_CONTRACT", cfg.Chain.SettlementContract)
	cfg.Chain.SubmitterKey = getEnv("CHAIN_SUBMITTER_KEY", cfg.Chain.SubmitterKey)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chain.ChainID = id
		}
	}

	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("NODE_LOG_FILE", cfg.Node.LogFile)
	cfg.Node.APIAddr = getEnv("NODE_API_ADDR", cfg.Node.APIAddr)
	cfg.Node.MetricsAddr = getEnv("NODE_METRICS_ADDR", cfg.Node.MetricsAddr)
	cfg.Node.P2PListen = getEnv("NODE_P2P_LISTEN", cfg.Node.P2PListen)
	setList(&cfg.Node.Bootstrap, "NODE_BOOTSTRAP")
	setList(&cfg.Node.KafkaBrokers, "NODE_KAFKA_BROKERS")
	cfg.Node.KafkaTopic = getEnv("NODE_KAFKA_TOPIC", cfg.Node.KafkaTopic)
	cfg.Node.SolverSecret = getEnv("NODE_SOLVER_SECRET", cfg.Node.SolverSecret)
	setList(&cfg.Node.Solvers, "NODE_SOLVERS")
	cfg.Node.CertificateKey = getEnv("NODE_CERTIFICATE_KEY", cfg.Node.CertificateKey)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the auction loop cannot run with.
func (c Config) Validate() error {
	if c.Auction.Duration <= 0 {
		return fmt.Errorf("auction duration must be positive")
	}
	if c.Auction.Cadence < c.Auction.Duration {
		return fmt.Errorf("auction cadence %s shorter than round duration %s", c.Auction.Cadence, c.Auction.Duration)
	}
	if c.Auction.Quorum < 0 {
		return fmt.Errorf("auction quorum must not be negative")
	}
	if c.Auction.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	if c.Orders.MaxValidity != 0 && c.Orders.MaxValidity < c.Orders.MinValidity {
		return fmt.Errorf("max order validity %s below min validity %s", c.Orders.MaxValidity, c.Orders.MinValidity)
	}
	switch c.Pricing.Policy {
	case "", "median", "best":
	default:
		return fmt.Errorf("unknown pricing policy %q", c.Pricing.Policy)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setDurationMs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setList reads a comma-separated list, e.g. "0xabc,0xdef".
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
