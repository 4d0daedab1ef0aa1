package spec

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/common/logger"
)

//go:embed specs.json
var specsFS embed.FS

// specsConfig is the structure of the specs.json file.
type specsConfig struct {
	Version string       `json:"version"`
	Agents  []*AgentSpec `json:"agents"`
}

// Registry holds the known agent specs, keyed by name.
type Registry struct {
	specs  map[string]*AgentSpec
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		specs:  make(map[string]*AgentSpec),
		logger: log,
	}
}

// LoadDefaults loads the built-in specs embedded in the binary.
func (r *Registry) LoadDefaults() error {
	data, err := specsFS.ReadFile("specs.json")
	if err != nil {
		return fmt.Errorf("read embedded specs: %w", err)
	}
	return r.loadJSON(data)
}

// LoadFromFile merges user-provided specs over the defaults. Invalid
// entries are skipped with a warning, matching the tolerance a user
// config file deserves.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}
	return r.loadJSON(data)
}

func (r *Registry) loadJSON(data []byte) error {
	var cfg specsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse agent specs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range cfg.Agents {
		if err := s.Validate(); err != nil {
			r.logger.Warn("skipping invalid agent spec",
				zap.String("name", s.Name),
				zap.Error(err))
			continue
		}
		r.specs[s.Name] = s
		r.logger.Debug("loaded agent spec", zap.String("name", s.Name))
	}
	return nil
}

// Register adds or replaces a single spec.
func (r *Registry) Register(s *AgentSpec) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.Name] = s
	return nil
}

// Get returns the spec for an agent name.
func (r *Registry) Get(name string) (*AgentSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("agent spec %q not found", name)
	}
	return s, nil
}

// Exists checks whether an agent name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// List returns all specs sorted by name.
func (r *Registry) List() []*AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
