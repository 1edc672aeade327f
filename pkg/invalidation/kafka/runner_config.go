package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type TLSConfig struct {
	Enable     bool   `yaml:"enable"`
	CaFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type SASLConfig struct {
	Enable    bool   `yaml:"enable"`
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  Driver `yaml:"driver"`

	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`

	SessionTimeout   time.Duration `yaml:"session_timeout"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout"`
	InitialOldest    bool          `yaml:"initial_oldest"`

	// ApplyTimeout bounds one cache eviction.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
	DedupeSize   int           `yaml:"dedupe_size"`

	TLS  TLSConfig  `yaml:"tls"`
	SASL SASLConfig `yaml:"sasl"`
}

func FromEnv() InvalidationConfig { return FromLookup(os.Getenv) }

// FromLookup reads the same keys as FromEnv through get, which returns ""
// for unset keys.
func FromLookup(get func(string) string) InvalidationConfig {
	str := func(k, def string) string {
		if v := strings.TrimSpace(get(k)); v != "" {
			return v
		}
		return def
	}
	boolean := func(k string, def bool) bool {
		if v := strings.TrimSpace(get(k)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
		return def
	}
	dur := func(k string, def time.Duration) time.Duration {
		if d, err := time.ParseDuration(strings.TrimSpace(get(k))); err == nil {
			return d
		}
		return def
	}
	integer := func(k string, def int) int {
		if n, err := strconv.Atoi(strings.TrimSpace(get(k))); err == nil {
			return n
		}
		return def
	}

	return InvalidationConfig{
		Enabled:          boolean("INVALIDATION_ENABLED", false),
		Driver:           Driver(str("INVALIDATION_DRIVER", string(DriverNone))),
		Brokers:          split(str("KAFKA_BROKERS", "localhost:9092")),
		Topic:            str("INVALIDATION_TOPIC", "geometry-changes"),
		GroupID:          str("KAFKA_GROUP_ID", "spatial-attributes-invalidator"),
		SessionTimeout:   dur("KAFKA_SESSION_TIMEOUT", 30*time.Second),
		Heartbeat:        dur("KAFKA_HEARTBEAT", 3*time.Second),
		RebalanceTimeout: dur("KAFKA_REBALANCE_TIMEOUT", 30*time.Second),
		InitialOldest:    boolean("KAFKA_INITIAL_OLDEST", true),
		ApplyTimeout:     dur("INVALIDATION_APPLY_TIMEOUT", 2*time.Second),
		DedupeSize:       integer("INVALIDATION_DEDUPE_SIZE", 65536),
		TLS: TLSConfig{
			Enable:     boolean("KAFKA_TLS_ENABLE", false),
			CaFile:     str("KAFKA_TLS_CA_FILE", ""),
			CertFile:   str("KAFKA_TLS_CERT_FILE", ""),
			KeyFile:    str("KAFKA_TLS_KEY_FILE", ""),
			SkipVerify: boolean("KAFKA_TLS_SKIP_VERIFY", false),
		},
		SASL: SASLConfig{
			Enable:    boolean("KAFKA_SASL_ENABLE", false),
			Mechanism: str("KAFKA_SASL_MECHANISM", sarama.SASLTypePlaintext),
			Username:  str("KAFKA_SASL_USERNAME", ""),
			Password:  str("KAFKA_SASL_PASSWORD", ""),
		},
	}
}

// ApplySecurity copies the TLS and SASL settings onto a sarama config. Only
// SASL/PLAIN is supported.
func ApplySecurity(sc *sarama.Config, t TLSConfig, s SASLConfig) error {
	if t.Enable {
		tc := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: t.SkipVerify,
		}
		if t.CaFile != "" {
			pem, err := os.ReadFile(t.CaFile)
			if err != nil {
				return fmt.Errorf("kafka tls ca: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("kafka tls ca: no certificates in %s", t.CaFile)
			}
			tc.RootCAs = pool
		}
		if t.CertFile != "" || t.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
			if err != nil {
				return fmt.Errorf("kafka tls client cert: %w", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tc
	}
	if s.Enable {
		if s.Mechanism != "" && s.Mechanism != sarama.SASLTypePlaintext {
			return fmt.Errorf("kafka sasl: unsupported mechanism %q", s.Mechanism)
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = s.Username
		sc.Net.SASL.Password = s.Password
	}
	return nil
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
