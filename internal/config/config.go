package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"VestLedger/internal/auth"
	"VestLedger/internal/observability/alerting"
	"VestLedger/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "VESTLEDGER_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/vestledger.json"

// 可通过环境变量覆盖的敏感字段。
const (
	envJWTSecret   = "VESTLEDGER_JWT_SECRET"
	envMySQLDSN    = "VESTLEDGER_MYSQL_DSN"
	envPostgresDSN = "VESTLEDGER_POSTGRES_DSN"
	envRedisPass   = "VESTLEDGER_REDIS_PASSWORD"
	envRabbitURL   = "VESTLEDGER_RABBITMQ_URL"
	envSMTPPass    = "VESTLEDGER_SMTP_PASSWORD"
)

// Config 描述了 VestLedger 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	Ledger   LedgerConfig   `json:"ledger"`
	Journal  JournalConfig  `json:"journal"`
	Events   EventsConfig   `json:"events"`
	Clock    ClockConfig    `json:"clock"`
	Auth     AuthConfig     `json:"auth"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string     `json:"address"`
	ReadHeaderTimeout Duration   `json:"read_header_timeout"`
	ShutdownTimeout   Duration   `json:"shutdown_timeout"`
	CORS              CORSConfig `json:"cors"`
}

// CORSConfig 为空时不启用跨域支持。
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

// LedgerConfig 描述账本的所有者、国库与释放策略。
type LedgerConfig struct {
	Owner          string   `json:"owner"`
	Treasury       string   `json:"treasury"`
	GenesisSupply  string   `json:"genesis_supply"`
	DefaultBurnBps uint16   `json:"default_burn_bps"`
	ReleasePolicy  string   `json:"release_policy"`
	Exemptions     []string `json:"exemptions"`
	// AllocationPlan 指向启动时应用的 YAML 分配计划，可为空。
	AllocationPlan string `json:"allocation_plan"`
}

// JournalConfig 选择账本日志的持久化后端。
type JournalConfig struct {
	Driver   string         `json:"driver"`
	LevelDB  LevelDBConfig  `json:"leveldb"`
	MySQL    MySQLConfig    `json:"mysql"`
	Postgres PostgresConfig `json:"postgres"`
}

// LevelDBConfig 描述本地 LevelDB 日志。
type LevelDBConfig struct {
	Path   string `json:"path"`
	NoSync bool   `json:"no_sync"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// PostgresConfig 描述 PostgreSQL 连接池。
type PostgresConfig struct {
	DSN      string `json:"dsn"`
	MinConns int32  `json:"min_conns"`
	MaxConns int32  `json:"max_conns"`
}

// EventsConfig 选择事件总线。
type EventsConfig struct {
	Driver      string         `json:"driver"`
	BufferSize  int            `json:"buffer_size"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件队列。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ClockConfig 选择账本时间来源。
type ClockConfig struct {
	Driver string      `json:"driver"`
	Chain  ChainConfig `json:"chain"`
	NTP    NTPConfig   `json:"ntp"`
}

// ChainConfig 描述区块时钟所跟随的链。
type ChainConfig struct {
	// Definitions 指向 chain.yaml；为空时直接使用 RPCURL。
	Definitions     string   `json:"definitions"`
	Name            string   `json:"name"`
	RPCURL          string   `json:"rpc_url"`
	ChainID         uint64   `json:"chain_id"`
	RefreshInterval Duration `json:"refresh_interval"`
}

// NTPConfig 描述 NTP 校准参数。
type NTPConfig struct {
	Servers  []string `json:"servers"`
	Timeout  Duration `json:"timeout"`
	Interval Duration `json:"interval"`
	MaxSkew  Duration `json:"max_skew"`
}

// AuthConfig 描述 API 的身份认证。
type AuthConfig struct {
	Mode         string        `json:"mode"`
	Store        string        `json:"store"`
	JWT          JWTConfig     `json:"jwt"`
	Seeds        []auth.Seed   `json:"seeds"`
	SubjectCache CacheConfig   `json:"subject_cache"`
	Lockout      LockoutConfig `json:"lockout"`
}

// JWTConfig 描述令牌签发参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  Duration `json:"access_ttl"`
	RefreshTTL Duration `json:"refresh_ttl"`
}

// CacheConfig 描述主体缓存。
type CacheConfig struct {
	Size int      `json:"size"`
	TTL  Duration `json:"ttl"`
}

// LockoutConfig 限制连续登录失败，max_failures 为负数时关闭。
type LockoutConfig struct {
	MaxFailures int      `json:"max_failures"`
	Window      Duration `json:"window"`
}

// MetricsConfig 控制 Prometheus 指标。Address 非空时额外启动独立监听。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警渠道，未配置的渠道不会启用。
type AlertingConfig struct {
	DingTalkWebhook string     `json:"dingtalk_webhook"`
	SlackWebhook    string     `json:"slack_webhook"`
	SlackChannel    string     `json:"slack_channel"`
	Email           EmailAlert `json:"email"`
	// SuppressWindow 内重复的告警（同错误码、账户与操作）只投递一次，0 表示不抑制。
	SuppressWindow Duration `json:"suppress_window"`
}

// EmailAlert 配置 SMTP 告警，Addr 为空时不启用。
type EmailAlert struct {
	Addr          string   `json:"addr"`
	From          string   `json:"from"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// Duration 支持 "30s" 形式的字符串或以秒为单位的数字。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		parsed, err := time.ParseDuration(unquoted)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", unquoted, err)
		}
		*d = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("无效的时长 %s", raw)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PathFromEnv 返回 VESTLEDGER_CONFIG 指定的路径，未设置时返回默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	override(&c.Auth.JWT.Secret, envJWTSecret)
	override(&c.Journal.MySQL.DSN, envMySQLDSN)
	override(&c.Journal.Postgres.DSN, envPostgresDSN)
	override(&c.Events.Redis.Password, envRedisPass)
	override(&c.Events.RabbitMQ.URL, envRabbitURL)
	override(&c.Alerting.Email.Password, envSMTPPass)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Ledger.DefaultBurnBps == 0 {
		c.Ledger.DefaultBurnBps = 1000
	}
	if c.Ledger.ReleasePolicy == "" {
		c.Ledger.ReleasePolicy = "owner"
	}
	if c.Ledger.AllocationPlan != "" {
		c.Ledger.AllocationPlan = resolve(baseDir, c.Ledger.AllocationPlan)
	}

	c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.LevelDB.Path == "" {
		c.Journal.LevelDB.Path = filepath.Join(baseDir, "data", "journal")
	} else {
		c.Journal.LevelDB.Path = resolve(baseDir, c.Journal.LevelDB.Path)
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.MaxAttempts <= 0 {
		c.Events.MaxAttempts = 5
	}

	c.Clock.Driver = strings.ToLower(strings.TrimSpace(c.Clock.Driver))
	if c.Clock.Driver == "" {
		c.Clock.Driver = "system"
	}
	if c.Clock.Chain.Definitions != "" {
		c.Clock.Chain.Definitions = resolve(baseDir, c.Clock.Chain.Definitions)
	}
	if c.Clock.Chain.RefreshInterval <= 0 {
		c.Clock.Chain.RefreshInterval = Duration(12 * time.Second)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Notifiers 按配置构造告警渠道，审计日志渠道始终启用。
func (a AlertingConfig) Notifiers() []alerting.Notifier {
	out := []alerting.Notifier{alerting.LogNotifier{}}
	if a.DingTalkWebhook != "" {
		out = append(out, &alerting.DingTalkNotifier{Sender: &alerting.DingTalkWebhook{URL: a.DingTalkWebhook}})
	}
	if a.SlackWebhook != "" {
		out = append(out, &alerting.SlackNotifier{Sender: &alerting.SlackWebhook{URL: a.SlackWebhook}, ChannelID: a.SlackChannel})
	}
	if e := a.Email; e.Addr != "" {
		out = append(out, &alerting.EmailNotifier{
			Sender:        &alerting.SMTPSender{Addr: e.Addr, From: e.From, Username: e.Username, Password: e.Password},
			To:            e.To,
			SubjectPrefix: e.SubjectPrefix,
		})
	}
	return out
}

// Validate 检查取值范围与各后端所需的必填字段。
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Ledger.OwnerAddress(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.TreasuryAddress(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.Supply(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.ExemptAddresses(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.DefaultBurnBps > 10000 {
		errs = append(errs, fmt.Errorf("ledger.default_burn_bps 超出范围: %d", c.Ledger.DefaultBurnBps))
	}

	switch c.Journal.Driver {
	case "memory", "leveldb":
	case "mysql":
		if c.Journal.MySQL.DSN == "" {
			errs = append(errs, errors.New("journal.mysql.dsn 不能为空"))
		}
	case "postgres":
		if c.Journal.Postgres.DSN == "" {
			errs = append(errs, errors.New("journal.postgres.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的日志驱动 %q", c.Journal.Driver))
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件驱动 %q", c.Events.Driver))
	}

	switch c.Clock.Driver {
	case "system", "ntp":
	case "chain":
		if c.Clock.Chain.Definitions == "" && c.Clock.Chain.RPCURL == "" {
			errs = append(errs, errors.New("clock.chain 需要 definitions 或 rpc_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的时钟驱动 %q", c.Clock.Driver))
	}

	switch c.Auth.Store {
	case "memory":
	case "mysql":
		if c.Journal.MySQL.DSN == "" {
			errs = append(errs, errors.New("auth.store=mysql 需要 journal.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的认证存储 %q", c.Auth.Store))
	}

	if e := c.Alerting.Email; e.Addr != "" && (e.From == "" || len(e.To) == 0) {
		errs = append(errs, errors.New("alerting.email 需要 from 与 to"))
	}
	return errors.Join(errs...)
}

// OwnerAddress 解析所有者地址，该字段必填。
func (l LedgerConfig) OwnerAddress() (common.Address, error) {
	if strings.TrimSpace(l.Owner) == "" {
		return common.Address{}, errors.New("ledger.owner 不能为空")
	}
	return parseAddress("ledger.owner", l.Owner)
}

// TreasuryAddress 解析国库地址，为空时由账本使用所有者地址。
func (l LedgerConfig) TreasuryAddress() (common.Address, error) {
	if strings.TrimSpace(l.Treasury) == "" {
		return common.Address{}, nil
	}
	return parseAddress("ledger.treasury", l.Treasury)
}

// Supply 解析十进制的创世供应量，为空时返回零。
func (l LedgerConfig) Supply() (*uint256.Int, error) {
	raw := strings.TrimSpace(l.GenesisSupply)
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger.genesis_supply 无效: %w", err)
	}
	return v, nil
}

// ExemptAddresses 解析免费名单。
func (l LedgerConfig) ExemptAddresses() ([]common.Address, error) {
	out := make([]common.Address, 0, len(l.Exemptions))
	for _, raw := range l.Exemptions {
		addr, err := parseAddress("ledger.exemptions", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// ServiceConfig 转换为 auth.Config。
func (a AuthConfig) ServiceConfig() auth.Config {
	return auth.Config{
		Mode: auth.Mode(a.Mode),
		JWT: auth.JWTOptions{
			Secret:     a.JWT.Secret,
			Issuer:     a.JWT.Issuer,
			Audience:   a.JWT.Audience,
			AccessTTL:  a.JWT.AccessTTL.Std(),
			RefreshTTL: a.JWT.RefreshTTL.Std(),
		},
		Seeds:        a.Seeds,
		SubjectCache: auth.CacheOptions{Size: a.SubjectCache.Size, TTL: a.SubjectCache.TTL.Std()},
		Lockout:      auth.LockoutOptions{MaxFailures: a.Lockout.MaxFailures, Window: a.Lockout.Window.Std()},
	}
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s 不是有效地址: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}
