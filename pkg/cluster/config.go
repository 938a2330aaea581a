package cluster

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config is the static description of the cluster as seen by one node
type Config struct {
	// NodeID is this node's identifier. 0 is reserved for "nobody".
	NodeID NodeID `yaml:"node_id" validate:"gt=0"`

	// Members maps every member, this node included, to its listen address
	Members map[NodeID]string `yaml:"members" validate:"required,min=1,dive,keys,gt=0,endkeys,required,hostname_port,max=255"`

	// HeartbeatInterval is the leader's heartbeat period. Followers and
	// candidates time out after a random duration in [3x, 5x) this value.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`

	// DialTimeout bounds connecting to a peer
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`

	// IOTimeout bounds writing or reading one frame
	IOTimeout time.Duration `yaml:"io_timeout" validate:"gt=0"`

	// AcceptUnknownPeers registers senders of vote requests that are not in
	// Members, using the reply address they carry
	AcceptUnknownPeers bool `yaml:"accept_unknown_peers"`
}

// DefaultConfig returns the default timings. Members and NodeID must be set
// by the caller.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  1500 * time.Millisecond,
		DialTimeout:        500 * time.Millisecond,
		IOTimeout:          time.Second,
		AcceptUnknownPeers: true,
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return ErrInvalidNodeID
	}
	if len(c.Members) == 0 {
		return ErrNoMembers
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if _, ok := c.Members[c.NodeID]; !ok {
		return fmt.Errorf("%w: %d", ErrSelfNotMember, c.NodeID)
	}
	if c.DialTimeout >= c.HeartbeatInterval {
		return ErrDialTimeoutTooLarge
	}
	return nil
}

// LocalAddr returns this node's listen address
func (c *Config) LocalAddr() string {
	return c.Members[c.NodeID]
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// ParseConfig decodes YAML over DefaultConfig. The result is not validated so
// callers can apply overrides first.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse cluster config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML cluster file
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read cluster config: %w", err)
	}
	return ParseConfig(data)
}
