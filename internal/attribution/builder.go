package attribution

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed params.yaml
var defaultParams []byte

// Param is one query parameter of the configuration request.
type Param struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Device  bool     `yaml:"device"`
}

type paramTable struct {
	DeviceParam string  `yaml:"device_param"`
	Params      []Param `yaml:"params"`
}

// Builder turns attribution data into a configuration-request URL.
type Builder struct {
	base   string
	params []Param
}

// NewBuilder returns a builder over the embedded parameter table.
func NewBuilder(base string) (*Builder, error) {
	return NewBuilderWithTable(base, defaultParams)
}

// NewBuilderWithTable parses table (see params.yaml) and returns a builder.
func NewBuilderWithTable(base string, table []byte) (*Builder, error) {
	var t paramTable
	if err := yaml.Unmarshal(table, &t); err != nil {
		return nil, fmt.Errorf("parse param table: %w", err)
	}
	if len(t.Params) == 0 {
		return nil, fmt.Errorf("param table has no params")
	}
	for i, p := range t.Params {
		if p.Name == "" {
			return nil, fmt.Errorf("params[%d]: empty name", i)
		}
		if p.Name == t.DeviceParam {
			t.Params[i].Device = true
		}
	}
	return &Builder{base: base, params: t.Params}, nil
}

func (b *Builder) Base() string { return b.base }

// Params returns the parameter names in wire order.
func (b *Builder) Params() []string {
	out := make([]string, len(b.params))
	for i, p := range b.params {
		out[i] = p.Name
	}
	return out
}

// Build never fails: if the base endpoint cannot be parsed it is returned
// unmodified. Every parameter is emitted, empty when no alias matched.
func (b *Builder) Build(deviceID string, attrs map[string]string) string {
	u, err := url.Parse(b.base)
	if err != nil {
		log.Warn().Err(err).Str("base", b.base).Msg("base endpoint unparsable, using as-is")
		return b.base
	}

	pairs := make([]string, 0, len(b.params))
	for _, p := range b.params {
		v := deviceID
		if !p.Device {
			v = lookup(attrs, p.Aliases)
		}
		pairs = append(pairs, url.QueryEscape(p.Name)+"="+url.QueryEscape(v))
	}
	u.RawQuery = strings.Join(pairs, "&")

	log.Debug().Int("params", len(pairs)).Msg("built configuration url")
	return u.String()
}

func lookup(attrs map[string]string, aliases []string) string {
	for _, k := range aliases {
		if v, ok := attrs[k]; ok && usable(v) {
			return v
		}
	}
	return ""
}
