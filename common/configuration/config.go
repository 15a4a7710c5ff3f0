package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

var (
	ErrInvalidOptions = errors.New("invalid relay options")
)

// RelayOptions configures the notebook relay gateway.
type RelayOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	Port          int    `name:"port"           json:"port"           yaml:"port"           description:"Port that the HTTP and websocket server listens on."`
	ConnectionDir string `name:"connection-dir" json:"connection-dir" yaml:"connection-dir" description:"Directory that is watched for kernel connection files (kernel-<id>.json)."`

	Registry      string `name:"registry"       json:"registry"       yaml:"registry"       description:"Where kernel connection information is kept. Options are 'memory' and 'redis'."`
	RedisAddr     string `name:"redis-addr"     json:"redis-addr"     yaml:"redis-addr"     description:"Address of the Redis server when the registry is 'redis'."`
	RedisPassword string `name:"redis-password" json:"-"              yaml:"redis-password" description:"Password of the Redis server."`
	RedisDatabase int    `name:"redis-db"       json:"redis-db"       yaml:"redis-db"       description:"Database number of the Redis server."`
	RedisKey      string `name:"redis-key"      json:"redis-key"      yaml:"redis-key"      description:"Key of the Redis hash that holds the registry."`

	CookieSecret     string `name:"cookie-secret"     json:"-"                 yaml:"cookie-secret"     description:"Secret used to verify signed user cookies. At least 32 bytes."`
	PasswordRequired bool   `name:"password-required" json:"password-required" yaml:"password-required" description:"If true, connections that present no valid user cookie are rejected instead of being treated as anonymous."`
	ReadOnly         bool   `name:"read-only"         json:"read-only"         yaml:"read-only"         description:"If true, introspection endpoints are available to unauthenticated users."`

	MaxMessageSize    int     `name:"max-message-size"    json:"max-message-size"    yaml:"max-message-size"    description:"Requests of this many bytes or more are dropped by the shell relay."`
	FirstBeatDelayMs  int     `name:"first-beat-delay-ms" json:"first-beat-delay-ms" yaml:"first-beat-delay-ms" description:"Delay before the first heartbeat ping of a kernel, in milliseconds."`
	TimeToDeadMs      int     `name:"time-to-dead-ms"     json:"time-to-dead-ms"     yaml:"time-to-dead-ms"     description:"How long a kernel has to answer a heartbeat ping before it is declared dead, in milliseconds."`
	ExecuteTimeoutMs  int     `name:"execute-timeout-ms"  json:"execute-timeout-ms"  yaml:"execute-timeout-ms"  description:"How long to wait for the reply to an introspection request, in milliseconds."`
	ResultGraceMs     int     `name:"result-grace-ms"     json:"result-grace-ms"     yaml:"result-grace-ms"     description:"How long to wait for the result of an introspection request after its reply, in milliseconds."`
	ClientRateLimit   float64 `name:"client-rate-limit"   json:"client-rate-limit"   yaml:"client-rate-limit"   description:"Maximum number of messages per second read from each client connection, on every channel. Zero disables limiting."`
	ClientRateBurst   int     `name:"client-rate-burst"   json:"client-rate-burst"   yaml:"client-rate-burst"   description:"Burst size of the per-connection rate limit."`
	SourceCacheSize   int     `name:"source-cache-size"   json:"source-cache-size"   yaml:"source-cache-size"   description:"Number of function sources kept by the source cache."`
	MetricsEnabled    bool    `name:"metrics"             json:"metrics"             yaml:"metrics"             description:"Serve Prometheus metrics at /metrics."`

	// PrettyPrintOptions, when true, instructs the driver to pretty-print the options when the program starts.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// DefaultRelayOptions returns the options used when no flag or configuration file overrides them.
func DefaultRelayOptions() *RelayOptions {
	return &RelayOptions{
		Port:             8888,
		ConnectionDir:    ".",
		Registry:         RegistryMemory,
		RedisAddr:        "localhost:6379",
		RedisKey:         "notebook-relay:kernels",
		MaxMessageSize:   10 * 1024 * 1024,
		FirstBeatDelayMs: 5000,
		TimeToDeadMs:     3000,
		ExecuteTimeoutMs: 60000,
		ResultGraceMs:    2000,
		ClientRateBurst:  10,
		SourceCacheSize:  512,
		MetricsEnabled:   true,
	}
}

// Validate checks the relay's own options and then applies the logger options.
func (opts *RelayOptions) Validate() error {
	if opts.Port <= 0 || opts.Port > 65535 {
		return errors.Wrapf(ErrInvalidOptions, "port %d", opts.Port)
	}

	switch opts.Registry {
	case RegistryMemory:
	case RegistryRedis:
		if opts.RedisAddr == "" {
			return errors.Wrap(ErrInvalidOptions, "redis registry requires redis-addr")
		}
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown registry \"%s\"", opts.Registry)
	}

	if opts.CookieSecret != "" && len(opts.CookieSecret) < 32 {
		return errors.Wrap(ErrInvalidOptions, "cookie-secret must be at least 32 bytes")
	}
	if opts.PasswordRequired && opts.CookieSecret == "" {
		return errors.Wrap(ErrInvalidOptions, "password-required needs a cookie-secret")
	}

	for name, value := range map[string]int{
		"max-message-size":    opts.MaxMessageSize,
		"first-beat-delay-ms": opts.FirstBeatDelayMs,
		"time-to-dead-ms":     opts.TimeToDeadMs,
		"execute-timeout-ms":  opts.ExecuteTimeoutMs,
		"result-grace-ms":     opts.ResultGraceMs,
	} {
		if value <= 0 {
			return errors.Wrapf(ErrInvalidOptions, "%s must be positive, got %d", name, value)
		}
	}

	if opts.ClientRateLimit < 0 {
		return errors.Wrapf(ErrInvalidOptions, "client-rate-limit must not be negative, got %f", opts.ClientRateLimit)
	}

	return opts.LoggerOptions.Validate()
}

func (opts *RelayOptions) FirstBeatDelay() time.Duration {
	return time.Duration(opts.FirstBeatDelayMs) * time.Millisecond
}

func (opts *RelayOptions) TimeToDead() time.Duration {
	return time.Duration(opts.TimeToDeadMs) * time.Millisecond
}

func (opts *RelayOptions) ExecuteTimeout() time.Duration {
	return time.Duration(opts.ExecuteTimeoutMs) * time.Millisecond
}

func (opts *RelayOptions) ResultGracePeriod() time.Duration {
	return time.Duration(opts.ResultGraceMs) * time.Millisecond
}

// Address returns the address that the server listens on.
func (opts *RelayOptions) Address() string {
	return fmt.Sprintf(":%d", opts.Port)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *RelayOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *RelayOptions) Clone() *RelayOptions {
	clone := *opts
	return &clone
}

func (opts *RelayOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
