// Package pipeline describes the flow tables of a switch and the order a
// packet visits them in.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Names of the built-in pipelines.
const (
	NameSingle    = "single"
	NameDefault   = "default"
	NamePathQuery = "path_query"
	NameMT        = "mt"
)

// MaxStages is the number of ingress and of egress query stages in the mt
// pipeline.
const MaxStages = 13

// Config is a pipeline: a number of tables, the table each table continues
// to, and the table holding the forwarding rules.
type Config struct {
	Name   string      `yaml:"name"`
	Tables int         `yaml:"tables"`
	Edges  map[int]int `yaml:"edges,omitempty"`
	// Stages optionally names every table.
	Stages     []string `yaml:"stages,omitempty"`
	Forwarding int      `yaml:"forwarding"`
}

// New returns a pipeline of tables tables without edges.
func New(name string, tables int) *Config {
	return &Config{Name: name, Tables: tables, Edges: make(map[int]int)}
}

// AddEdge makes table src continue to table dst.
func (c *Config) AddEdge(src, dst int) error {
	if src < 0 || src >= dst || dst >= c.Tables {
		return fmt.Errorf("%w: %d -> %d in %d tables", ErrBadEdge, src, dst, c.Tables)
	}
	if c.Edges == nil {
		c.Edges = make(map[int]int)
	}
	c.Edges[src] = dst
	return nil
}

// Next returns the table t continues to.
func (c *Config) Next(t int) (int, bool) {
	n, ok := c.Edges[t]
	return n, ok
}

// Path returns the tables a packet entering table 0 visits.
func (c *Config) Path() []int {
	out := []int{0}
	for t, ok := c.Next(0); ok; t, ok = c.Next(t) {
		out = append(out, t)
	}
	return out
}

// Before returns the tables visited before the forwarding table.
func (c *Config) Before() []int {
	var out []int
	for _, t := range c.Path() {
		if t == c.Forwarding {
			break
		}
		out = append(out, t)
	}
	return out
}

// Stage returns the name of table t.
func (c *Config) Stage(t int) string {
	if t >= 0 && t < len(c.Stages) && c.Stages[t] != "" {
		return c.Stages[t]
	}
	return "table" + strconv.Itoa(t)
}

// Validate checks that every edge leads forward inside the pipeline and
// that the forwarding table is reachable from table 0.
func (c *Config) Validate() error {
	if c.Tables < 1 {
		return fmt.Errorf("%w: %s has %d tables", ErrInvalidConfig, c.Name, c.Tables)
	}
	for src, dst := range c.Edges {
		if src < 0 || src >= dst || dst >= c.Tables {
			return fmt.Errorf("%w: %s: %w: %d -> %d", ErrInvalidConfig, c.Name, ErrBadEdge, src, dst)
		}
	}
	if len(c.Stages) > c.Tables {
		return fmt.Errorf("%w: %s names %d stages for %d tables", ErrInvalidConfig, c.Name, len(c.Stages), c.Tables)
	}
	for _, t := range c.Path() {
		if t == c.Forwarding {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: forwarding table %d is not reachable", ErrInvalidConfig, c.Name, c.Forwarding)
}

func (c *Config) String() string {
	srcs := make([]int, 0, len(c.Edges))
	for s := range c.Edges {
		srcs = append(srcs, s)
	}
	sort.Ints(srcs)
	edges := make([]string, len(srcs))
	for i, s := range srcs {
		edges[i] = fmt.Sprintf("%d->%d", s, c.Edges[s])
	}
	return fmt.Sprintf("%s: %d tables, forwarding %d, edges [%s]", c.Name, c.Tables, c.Forwarding, strings.Join(edges, " "))
}

// Render writes the tables of c as a table.
func (c *Config) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Table", "Stage", "Next"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for t := 0; t < c.Tables; t++ {
		next := "-"
		if n, ok := c.Next(t); ok {
			next = strconv.Itoa(n)
		}
		stage := c.Stage(t)
		if t == c.Forwarding {
			stage += " (forwarding)"
		}
		table.Append([]string{strconv.Itoa(t), stage, next})
	}
	table.Render()
}

func chain(name string, stages ...string) *Config {
	c := New(name, len(stages))
	c.Stages = stages
	for i := 0; i+1 < len(stages); i++ {
		// consecutive tables always form a valid edge
		_ = c.AddEdge(i, i+1)
	}
	for i, s := range stages {
		if s == "forwarding" {
			c.Forwarding = i
		}
	}
	return c
}

// Single is one table holding every rule.
func Single() *Config {
	return chain(NameSingle, "forwarding")
}

// Default redirects from table 0 to a table holding every forwarding rule.
func Default() *Config {
	return chain(NameDefault, "redirect", "forwarding")
}

// PathQuery is the six table pipeline of path queries: virtual tagging,
// then in-tagging and in-capture, forwarding, out-capture and out-tagging,
// and virtual untagging.
func PathQuery() *Config {
	return chain(NamePathQuery, "virtual_tag", "in_tag", "in_capture", "forwarding", "out_capture", "virtual_untag")
}

// MT is the extensively multi-staged pipeline of thirty tables: upstream
// capture, virtual tagging, MaxStages ingress stages, forwarding, MaxStages
// egress stages and virtual untagging.
func MT() *Config {
	stages := []string{"up_capture", "virtual_tag"}
	for i := 0; i < MaxStages; i++ {
		stages = append(stages, fmt.Sprintf("ingress_%d", i))
	}
	stages = append(stages, "forwarding")
	for i := 0; i < MaxStages; i++ {
		stages = append(stages, fmt.Sprintf("egress_%d", i))
	}
	stages = append(stages, "virtual_untag")
	return chain(NameMT, stages...)
}

var builtin = map[string]func() *Config{
	NameSingle:    Single,
	NameDefault:   Default,
	NamePathQuery: PathQuery,
	NameMT:        MT,
}

// Names returns the names of the built-in pipelines.
func Names() []string {
	out := make([]string, 0, len(builtin))
	for n := range builtin {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the built-in pipeline name; "path-query" is accepted for
// path_query. A name ending in .yaml or .yml is loaded from that file.
func Lookup(name string) (*Config, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		return LoadFile(name)
	}
	fn, ok := builtin[strings.ReplaceAll(name, "-", "_")]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return fn(), nil
}

// LoadFile reads a pipeline from a YAML file. A file without edges chains
// its tables in order.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if c.Tables == 0 {
		c.Tables = len(c.Stages)
	}
	if len(c.Edges) == 0 {
		c.Edges = make(map[int]int)
		for i := 0; i+1 < c.Tables; i++ {
			c.Edges[i] = i + 1
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
