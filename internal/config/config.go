// Package config holds the engine's recognised configuration keys and a
// loader for reading them from JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIVersion selects the wire protocol version the transport negotiates.
type APIVersion string

const (
	APIVersionV1 APIVersion = "v1"
	APIVersionV2 APIVersion = "v2"
)

// Options is the engine's configuration surface: the connection/transport
// options plus the WebRTC-side options. Zero values are resolved to the
// documented defaults by Defaults.
type Options struct {
	APIVersion APIVersion `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`

	ConnectTimeout        time.Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	HeartbeatInterval     time.Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`
	MaxReconnectInterval  time.Duration `json:"maxReconnectInterval,omitempty" yaml:"maxReconnectInterval,omitempty"`
	ReconnectEnabled      bool          `json:"reconnectEnabled" yaml:"reconnectEnabled"`
	ReconnectFactor       float64       `json:"reconnectFactor,omitempty" yaml:"reconnectFactor,omitempty"`
	ReconnectInterval     time.Duration `json:"reconnectInterval,omitempty" yaml:"reconnectInterval,omitempty"`
	ReconnectSpreader     time.Duration `json:"reconnectSpreader,omitempty" yaml:"reconnectSpreader,omitempty"`

	AuthorizationType  string `json:"authorizationType,omitempty" yaml:"authorizationType,omitempty"`
	AuthorizationValue string `json:"authorizationValue,omitempty" yaml:"authorizationValue,omitempty"`
	AuthorizationAuth  string `json:"authorizationAuth,omitempty" yaml:"authorizationAuth,omitempty"`

	// WebRTC-side options.
	ChannelConfig       map[string]any `json:"channelConfig,omitempty" yaml:"channelConfig,omitempty"`
	ChannelName         string         `json:"channelName,omitempty" yaml:"channelName,omitempty"`
	OfferConstraints    map[string]any `json:"offerConstraints,omitempty" yaml:"offerConstraints,omitempty"`
	AnswerConstraints   map[string]any `json:"answerConstraints,omitempty" yaml:"answerConstraints,omitempty"`
	LocalSDPTransform   func(sdp string) string `json:"-" yaml:"-"`
	RemoteSDPTransform  func(sdp string) string `json:"-" yaml:"-"`
}

// Defaults fills the unset fields of o with the documented defaults and
// returns the result; o itself is not mutated.
func Defaults(o Options) Options {
	if o.APIVersion == "" {
		o.APIVersion = APIVersionV2
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.ReconnectFactor <= 1 {
		o.ReconnectFactor = 1.5
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.ReconnectSpreader <= 0 {
		o.ReconnectSpreader = 500 * time.Millisecond
	}
	if o.ChannelName == "" {
		o.ChannelName = "meetcore"
	}
	return o
}

// Load reads Options from a JSON or YAML file, selected by extension
// (".yaml"/".yml" → YAML, anything else → JSON), matching the demo
// binary's on-disk configuration convention.
func Load(path string) (Options, error) {
	var o Options
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &o); err != nil {
			return o, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
		return o, nil
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse json config %s: %w", path, err)
	}
	return o, nil
}
