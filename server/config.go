package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"

	"github.com/berrygraph/federation-engine/cache"
	"github.com/berrygraph/federation-engine/federation"
	"github.com/berrygraph/federation-engine/storage"
)

// SubgraphSetting names one remote subgraph and its GraphQL endpoint.
type SubgraphSetting struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

type OpentelemetrySetting struct {
	TracingSetting OpentelemetryTracingSetting `yaml:"tracing"`
}

type OpentelemetryTracingSetting struct {
	Enable   bool    `yaml:"enable" default:"false"`
	Endpoint string  `yaml:"endpoint"`
	Insecure bool    `yaml:"insecure" default:"false"`
	Sampling float64 `yaml:"sampling" default:"1.0"`
}

type LoggingSetting struct {
	Level       string `yaml:"level" default:"info"`
	Development bool   `yaml:"development" default:"false"`
}

// Option is the yaml-tagged server configuration.
type Option struct {
	Endpoint                    string              `yaml:"endpoint" default:"/graphql"`
	ServiceName                 string              `yaml:"service_name"`
	Port                        int                 `yaml:"port" default:"8080"`
	TimeoutDuration             string              `yaml:"timeout_duration" default:"5s"`
	EnableHangOverRequestHeader bool                `yaml:"enable_hang_over_request_header" default:"true"`
	SDLFile                     string              `yaml:"sdl_file"`
	MetadataFile                string              `yaml:"metadata_file"`
	Subgraphs                   []SubgraphSetting   `yaml:"subgraphs"`
	TypeSelections              map[string][]string `yaml:"type_selections"`

	Database storage.Config `yaml:"database"`
	Cache    cache.Config   `yaml:"cache"`

	Opentelemetry OpentelemetrySetting `yaml:"opentelemetry"`
	Logging       LoggingSetting       `yaml:"logging"`
}

// Timeout parses TimeoutDuration, falling back to 5s.
func (o Option) Timeout() time.Duration {
	if d, err := time.ParseDuration(o.TimeoutDuration); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

// LoadOption reads and decodes the yaml configuration file.
func LoadOption(path string) (Option, error) {
	var opt Option
	src, err := os.ReadFile(path)
	if err != nil {
		return opt, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(src, &opt); err != nil {
		return opt, fmt.Errorf("failed to decode config file: %w", err)
	}

	if opt.Endpoint == "" {
		opt.Endpoint = "/graphql"
	}
	if opt.Port == 0 {
		opt.Port = 8080
	}
	if opt.TimeoutDuration == "" {
		opt.TimeoutDuration = "5s"
	}
	if opt.Logging.Level == "" {
		opt.Logging.Level = "info"
	}
	return opt, nil
}

// LoadMetadata reads a federation metadata document. The format follows the
// file extension: .yaml/.yml decodes as YAML, anything else as JSON.
func LoadMetadata(path string) (*federation.FederationMetadata, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	// The metadata document is json-tagged wire shape; YAML inputs are
	// converted so both formats decode identically.
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		converted, err := yaml.YAMLToJSON(src)
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata file: %w", err)
		}
		src = converted
	}

	var md federation.FederationMetadata
	if err := json.Unmarshal(src, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata file: %w", err)
	}
	return &md, nil
}
