package agent

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/lodestar-ai/lodestar/internal/schema"
)

// DefaultToolPriority is assigned when a tool is registered without an
// explicit priority.
const DefaultToolPriority = 50

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256
)

// ToolInfo is the registry record for one tool.
type ToolInfo struct {
	Tool Tool

	// Name is the registered name, truncated to MaxToolNameLength.
	// Lookups and model-facing declarations use this, not Tool.Name(),
	// so an over-long name never reaches the model unresolvable.
	Name string

	Capabilities map[Capability]struct{}
	Tags         map[string]struct{}
	Priority     int
	Metadata     map[string]any
}

// HasCapability reports whether the tool declares cap.
func (i *ToolInfo) HasCapability(cap Capability) bool {
	_, ok := i.Capabilities[cap]
	return ok
}

// RegisterOptions carries the optional indexing attributes for Register.
type RegisterOptions struct {
	Capabilities []Capability
	Tags         []string
	Priority     int
	Metadata     map[string]any
}

// FunctionDeclaration is the model-facing description of one tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolRegistry holds tools indexed by name, capability, and tag.
// Safe for concurrent reads; runtime add/remove (MCP servers coming and
// going) serializes on the write lock.
type ToolRegistry struct {
	mu           sync.RWMutex
	tools        map[string]*ToolInfo
	byCapability map[Capability]map[string]struct{}
	byTag        map[string]map[string]struct{}
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:        make(map[string]*ToolInfo),
		byCapability: make(map[Capability]map[string]struct{}),
		byTag:        make(map[string]map[string]struct{}),
	}
}

// Register adds a tool to all indices. Re-registering a name replaces the
// previous entry.
func (r *ToolRegistry) Register(tool Tool, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if len(name) > MaxToolNameLength {
		name = name[:MaxToolNameLength]
	}
	r.removeLocked(name)

	info := &ToolInfo{
		Tool:         tool,
		Name:         name,
		Capabilities: make(map[Capability]struct{}, len(opts.Capabilities)),
		Tags:         make(map[string]struct{}, len(opts.Tags)),
		Priority:     opts.Priority,
		Metadata:     opts.Metadata,
	}
	if info.Priority == 0 {
		info.Priority = DefaultToolPriority
	}
	for _, cap := range opts.Capabilities {
		info.Capabilities[cap] = struct{}{}
		if r.byCapability[cap] == nil {
			r.byCapability[cap] = make(map[string]struct{})
		}
		r.byCapability[cap][name] = struct{}{}
	}
	for _, tag := range opts.Tags {
		info.Tags[tag] = struct{}{}
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]struct{})
		}
		r.byTag[tag][name] = struct{}{}
	}

	r.tools[name] = info
}

// Unregister removes a tool from all indices.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
}

func (r *ToolRegistry) removeLocked(name string) {
	info, ok := r.tools[name]
	if !ok {
		return
	}
	for cap := range info.Capabilities {
		delete(r.byCapability[cap], name)
		if len(r.byCapability[cap]) == 0 {
			delete(r.byCapability, cap)
		}
	}
	for tag := range info.Tags {
		delete(r.byTag[tag], name)
		if len(r.byTag[tag]) == 0 {
			delete(r.byTag, tag)
		}
	}
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return info.Tool, true
}

// Info returns the full registry record for a tool.
func (r *ToolRegistry) Info(name string) (*ToolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tools[name]
	return info, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ByCapability returns tools declaring cap with priority >= minPriority,
// sorted by priority descending (name ascending as tie-break).
func (r *ToolRegistry) ByCapability(cap Capability, minPriority int) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []*ToolInfo
	for name := range r.byCapability[cap] {
		if info := r.tools[name]; info != nil && info.Priority >= minPriority {
			infos = append(infos, info)
		}
	}
	return sortedTools(infos)
}

// ByCapabilities returns tools matching the capability set. With matchAll
// the result is the intersection; otherwise the union.
func (r *ToolRegistry) ByCapabilities(caps []Capability, matchAll bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []*ToolInfo
	for name, info := range r.tools {
		matched := matchAll
		for _, cap := range caps {
			_, has := r.byCapability[cap][name]
			if matchAll && !has {
				matched = false
				break
			}
			if !matchAll && has {
				matched = true
				break
			}
		}
		if matched && len(caps) > 0 {
			infos = append(infos, info)
		}
	}
	return sortedTools(infos)
}

// ByTag returns tools carrying the free-form tag, sorted by priority
// descending.
func (r *ToolRegistry) ByTag(tag string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []*ToolInfo
	for name := range r.byTag[tag] {
		if info := r.tools[name]; info != nil {
			infos = append(infos, info)
		}
	}
	return sortedTools(infos)
}

// Search returns tools whose name or description contains the query,
// case-insensitively.
func (r *ToolRegistry) Search(query string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var infos []*ToolInfo
	for name, info := range r.tools {
		if strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(strings.ToLower(info.Tool.Description()), query) {
			infos = append(infos, info)
		}
	}
	return sortedTools(infos)
}

// FunctionDeclarations returns the model-facing declarations for all
// registered tools, sorted by priority descending, with parameter
// schemas sanitized for the provider format.
func (r *ToolRegistry) FunctionDeclarations() []FunctionDeclaration {
	r.mu.RLock()
	infos := make([]*ToolInfo, 0, len(r.tools))
	for _, info := range r.tools {
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sortInfos(infos)

	decls := make([]FunctionDeclaration, 0, len(infos))
	for _, info := range infos {
		decl := FunctionDeclaration{
			Name:        info.Name,
			Description: info.Tool.Description(),
		}
		if raw := schema.SanitizeRaw(info.Tool.ParameterSchema()); len(raw) > 0 {
			var params map[string]any
			if json.Unmarshal(raw, &params) == nil {
				decl.Parameters = params
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

func sortInfos(infos []*ToolInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].Name < infos[j].Name
	})
}

func sortedTools(infos []*ToolInfo) []Tool {
	sortInfos(infos)
	tools := make([]Tool, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, info.Tool)
	}
	return tools
}
