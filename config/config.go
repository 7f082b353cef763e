// Package config holds the closed set of µTP tunables (spec.md §6) plus the
// supplemental knobs named in SPEC_FULL.md. It mirrors the shape of the
// teacher's flat Config struct in core/main.go (defaults, then override)
// but is decoded from YAML with gopkg.in/yaml.v3 instead of Go literals,
// matching the way tinyrange-cc's internal/bundle loads site configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the closed set of configuration keys from spec.md §6, plus the
// supplemental keys documented in SPEC_FULL.md's "dropped features" section.
type Config struct {
	// SendSocketBufferSize is a kernel send-buffer size hint (bytes).
	SendSocketBufferSize int `yaml:"send_socket_buffer_size"`

	// IPTOS sets the IP_TOS byte on every outgoing datagram (0 leaves the
	// OS default); udpconn.New applies it via the wrapped ipv4.PacketConn.
	IPTOS int `yaml:"utp_ip_tos"`

	// TargetDelayMS is the LEDBAT target one-way queuing delay.
	TargetDelayMS int `yaml:"utp_target_delay_ms"`

	// Gain is the maximum cwnd growth per RTT, in bytes.
	Gain int `yaml:"utp_gain"`

	MinTimeoutMS int `yaml:"utp_min_timeout_ms"`
	MaxTimeoutMS int `yaml:"utp_max_timeout_ms"`

	ConnectTimeoutMS int `yaml:"utp_connect_timeout_ms"`

	// FinResends is the max FIN retries before force-close.
	FinResends int `yaml:"utp_fin_resends"`

	// NumResends is the max consecutive timeouts before ERROR.
	NumResends int `yaml:"utp_num_resends"`

	// LossMultiplier is the cwnd reduction factor applied on congestion loss.
	LossMultiplier float64 `yaml:"utp_loss_multiplier"`

	// DynamicSendBuffer lets the udpconn collaborator grow SO_SNDBUF
	// adaptively when short writes (utp_packet_resend) spike, rather than
	// staying fixed at SendSocketBufferSize (SPEC_FULL.md supplement #1).
	DynamicSendBuffer bool `yaml:"utp_dynamic_sock_buf"`

	// MaxHalfOpen bounds the number of SYN-received-but-not-yet-accepted
	// streams per socket; a SYN beyond this is answered with RESET
	// immediately (SPEC_FULL.md supplement #2).
	MaxHalfOpen int `yaml:"utp_max_half_open"`

	// DelayedAckMS is the deferred-ACK coalescing window: a pure STATE ack
	// waits up to this long for a piggyback DATA packet before it is sent
	// alone. 0 means send immediately (SPEC_FULL.md supplement #4).
	DelayedAckMS int `yaml:"utp_delayed_ack_ms"`

	// MinMTU / MaxMTU bound path-MTU discovery candidates (spec.md §4.7).
	MinMTU int `yaml:"utp_min_mtu"`
	MaxMTU int `yaml:"utp_max_mtu"`

	// KeepaliveIntervalMS is the idle threshold before a STATE probe is sent
	// (spec.md §4.9).
	KeepaliveIntervalMS int `yaml:"utp_keepalive_interval_ms"`
}

// DefaultConfig returns the configuration with the defaults named in
// spec.md §6 and SPEC_FULL.md.
func DefaultConfig() Config {
	return Config{
		SendSocketBufferSize: 0, // 0 = use OS default
		IPTOS:                0, // 0 = use OS default
		TargetDelayMS:        100,
		Gain:                 3000,
		MinTimeoutMS:         500,
		MaxTimeoutMS:         60_000,
		ConnectTimeoutMS:     3_000,
		FinResends:           4,
		NumResends:           5,
		LossMultiplier:       0.5,
		DynamicSendBuffer:    false,
		MaxHalfOpen:          50,
		DelayedAckMS:         0,
		MinMTU:               576 - 28, // IP+UDP headroom below RFC 1122 floor, matches pmtu.DefaultFloor
		MaxMTU:               1500 - 28,
		KeepaliveIntervalMS:  29_000,
	}
}

// TargetDelay returns TargetDelayMS as a time.Duration.
func (c Config) TargetDelay() time.Duration { return time.Duration(c.TargetDelayMS) * time.Millisecond }

// MinTimeout returns MinTimeoutMS as a time.Duration.
func (c Config) MinTimeout() time.Duration { return time.Duration(c.MinTimeoutMS) * time.Millisecond }

// MaxTimeout returns MaxTimeoutMS as a time.Duration.
func (c Config) MaxTimeout() time.Duration { return time.Duration(c.MaxTimeoutMS) * time.Millisecond }

// ConnectTimeout returns ConnectTimeoutMS as a time.Duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// DelayedAck returns DelayedAckMS as a time.Duration.
func (c Config) DelayedAck() time.Duration {
	return time.Duration(c.DelayedAckMS) * time.Millisecond
}

// KeepaliveInterval returns KeepaliveIntervalMS as a time.Duration.
func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

// LoadFile reads a YAML configuration file, applying its values on top of
// DefaultConfig so a partial file only overrides what it names.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %q", path)
	}
	return cfg, nil
}
