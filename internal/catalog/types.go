package catalog

import (
	"encoding/json"
	"os"
	"strings"
)

// ServerConfig describes one MCP tool server process.
type ServerConfig struct {
	ID          string            `mapstructure:"id" json:"id"`
	Command     string            `mapstructure:"command" json:"command"`
	Args        []string          `mapstructure:"args" json:"args,omitempty"`
	Cwd         string            `mapstructure:"cwd" json:"cwd,omitempty"`
	Env         map[string]string `mapstructure:"env" json:"-"`
	Enabled     bool              `mapstructure:"enabled" json:"enabled"`
	Description string            `mapstructure:"description" json:"description,omitempty"`
}

// Environ returns the extra environment entries for the server process.
// Values of the form ${VAR} are expanded from the host environment.
func (c ServerConfig) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}
	return env
}

// RawTool is a tool as listed by a server, with its input schema left as
// the exact bytes the server sent.
type RawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Param is one declared tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Descriptor is a catalogued tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      []Param         `json:"params"`
	Wrapper     string          `json:"wrapper,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Server      ServerConfig    `json:"server"`
}

// Nested reports whether the parameters travel under a wrapper key.
func (d *Descriptor) Nested() bool {
	return d.Wrapper != ""
}

// ParamNames returns the parameter names in declared order.
func (d *Descriptor) ParamNames() []string {
	names := make([]string, len(d.Params))
	for i, p := range d.Params {
		names[i] = p.Name
	}
	return names
}
