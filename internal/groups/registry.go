// Package groups resolves downstream selectors to sets of upstream servers
// and manages the group section of the settings document.
package groups

import (
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
)

// Kind says what a selector resolved to.
type Kind int

const (
	// KindGlobal is the empty selector: every enabled server.
	KindGlobal Kind = iota
	// KindSmart is the reserved $smart discovery selector.
	KindSmart
	// KindGroup is a group matched by id or name.
	KindGroup
	// KindServer is a bare server name.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindSmart:
		return "smart"
	case KindGroup:
		return "group"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// ResolvedServer is one member of a resolution with its tool allow-list.
type ResolvedServer struct {
	Name  string
	Tools config.ToolsFilter
}

// Resolution is the outcome of resolving a selector.
type Resolution struct {
	Kind     Kind
	Selector string
	Group    *config.Group
	// Servers is nil for global and smart resolutions (meaning all servers).
	Servers []ResolvedServer
}

// Member returns the allow-list for the named server, or false when the
// server is not part of the resolution.
func (r *Resolution) Member(server string) (config.ToolsFilter, bool) {
	if r.Kind == KindGlobal || r.Kind == KindSmart {
		return config.ToolsFilter{All: true}, true
	}
	for _, s := range r.Servers {
		if s.Name == server {
			return s.Tools, true
		}
	}
	return config.ToolsFilter{}, false
}

// Registry resolves selectors against the current settings snapshot and
// applies group mutations through the store.
type Registry struct {
	store  *config.Store
	logger *zap.Logger
}

// NewRegistry creates a registry over the settings store.
func NewRegistry(store *config.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// Resolve maps a selector to its server set. Resolution order: empty →
// global, $smart → smart, group id, group name (when enableGroupNameRoute),
// bare server name. Unknown selectors are NOT_FOUND.
func (r *Registry) Resolve(selector string) (*Resolution, error) {
	if selector == "" {
		return &Resolution{Kind: KindGlobal}, nil
	}
	if selector == config.SmartSelector {
		return &Resolution{Kind: KindSmart, Selector: selector}, nil
	}

	settings := r.store.Get()

	if g := settings.GroupByID(selector); g != nil {
		return groupResolution(selector, g), nil
	}
	if settings.Routing().GroupNameRouteEnabled() {
		if g := settings.GroupByName(selector); g != nil {
			return groupResolution(selector, g), nil
		}
	}
	if sc, ok := settings.MCPServers[selector]; ok {
		return &Resolution{
			Kind:     KindServer,
			Selector: selector,
			Servers:  []ResolvedServer{{Name: sc.Name, Tools: config.ToolsFilter{All: true}}},
		}, nil
	}

	return nil, errs.New(errs.NotFound, "unknown selector %q", selector)
}

func groupResolution(selector string, g *config.Group) *Resolution {
	servers := make([]ResolvedServer, 0, len(g.Servers))
	for _, ref := range g.Servers {
		servers = append(servers, ResolvedServer{Name: ref.Name, Tools: ref.Tools})
	}
	return &Resolution{Kind: KindGroup, Selector: selector, Group: g, Servers: servers}
}

// Create adds a group. The name must be unique across groups.
func (r *Registry) Create(name, description, owner string, servers []config.GroupServerRef) (*config.Group, error) {
	var created *config.Group
	_, err := r.store.Mutate(func(doc *config.Settings) error {
		if doc.GroupByName(name) != nil {
			return errs.New(errs.ConfigInvalid, "group %q already exists", name)
		}
		g := &config.Group{
			Name:        name,
			Description: description,
			Owner:       owner,
			Servers:     servers,
		}
		doc.Groups = append(doc.Groups, g)
		created = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("group created", zap.String("group", name), zap.String("id", created.ID))
	return created, nil
}

// Update replaces the mutable fields of the group with the given id.
func (r *Registry) Update(id string, name, description string, servers []config.GroupServerRef) error {
	_, err := r.store.Mutate(func(doc *config.Settings) error {
		g := doc.GroupByID(id)
		if g == nil {
			return errs.New(errs.NotFound, "group %s not found", id)
		}
		if name != "" && name != g.Name {
			if doc.GroupByName(name) != nil {
				return errs.New(errs.ConfigInvalid, "group %q already exists", name)
			}
			g.Name = name
		}
		if description != "" {
			g.Description = description
		}
		if servers != nil {
			g.Servers = servers
		}
		return nil
	})
	return err
}

// Delete removes the group with the given id.
func (r *Registry) Delete(id string) error {
	_, err := r.store.Mutate(func(doc *config.Settings) error {
		for i, g := range doc.Groups {
			if g.ID == id {
				doc.Groups = append(doc.Groups[:i], doc.Groups[i+1:]...)
				return nil
			}
		}
		return errs.New(errs.NotFound, "group %s not found", id)
	})
	return err
}

// List returns the groups of the current snapshot.
func (r *Registry) List() []*config.Group {
	return r.store.Get().Groups
}
