package config

import (
	"github.com/google/uuid"

	"github.com/zxerai/mcphub/internal/errs"
)

// SmartSelector is the reserved selector for the discovery endpoint. No group
// may claim it.
const SmartSelector = "$smart"

// Validate checks the settings document for structural errors. It does not
// mutate the document; Normalize does that after validation passes.
func (s *Settings) Validate() error {
	for name, sc := range s.MCPServers {
		if name == "" {
			return errs.New(errs.ConfigInvalid, "server with empty name")
		}
		if err := validateServer(name, sc); err != nil {
			return err
		}
	}

	seenID := map[string]string{}
	seenName := map[string]string{}
	for _, g := range s.Groups {
		if g.Name == "" {
			return errs.New(errs.ConfigInvalid, "group %s has no name", g.ID)
		}
		if g.Name == SmartSelector {
			return errs.New(errs.ConfigInvalid, "group name %q is reserved", SmartSelector)
		}
		if g.ID != "" {
			if prev, dup := seenID[g.ID]; dup {
				return errs.New(errs.ConfigInvalid, "duplicate group id %s (groups %q and %q)", g.ID, prev, g.Name)
			}
			seenID[g.ID] = g.Name
		}
		if _, dup := seenName[g.Name]; dup {
			return errs.New(errs.ConfigInvalid, "duplicate group name %q", g.Name)
		}
		seenName[g.Name] = g.Name
	}

	if sr := s.SmartRouting(); sr.Enabled {
		if sr.DBURL == "" {
			return errs.New(errs.ConfigInvalid, "smartRouting.enabled requires dbUrl")
		}
		if sr.OpenAIAPIKey == "" {
			return errs.New(errs.ConfigInvalid, "smartRouting.enabled requires openaiApiKey")
		}
	}

	rt := s.Routing()
	if rt.EnableBearerAuth && rt.BearerAuthKey == "" {
		return errs.New(errs.ConfigInvalid, "enableBearerAuth requires bearerAuthKey")
	}

	return nil
}

func validateServer(name string, sc *ServerConfig) error {
	if sc == nil {
		return errs.New(errs.ConfigInvalid, "server %q has no config", name)
	}
	switch sc.EffectiveType() {
	case ServerTypeStdio:
		if sc.Command == "" {
			return errs.New(errs.ConfigInvalid, "server %q: stdio requires command", name)
		}
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		if sc.URL == "" {
			return errs.New(errs.ConfigInvalid, "server %q: %s requires url", name, sc.EffectiveType())
		}
	case ServerTypeOpenAPI:
		if sc.OpenAPI == nil || (sc.OpenAPI.URL == "" && len(sc.OpenAPI.Schema) == 0) {
			return errs.New(errs.ConfigInvalid, "server %q: openapi requires a spec url or inline schema", name)
		}
	default:
		return errs.New(errs.ConfigInvalid, "server %q: unknown type %q", name, sc.Type)
	}
	return nil
}

// Normalize fills derived fields after a successful Validate: server names
// from map keys, generated group IDs, and pruning of group refs that point at
// servers no longer configured.
func (s *Settings) Normalize() {
	for name, sc := range s.MCPServers {
		sc.Name = name
	}
	for _, g := range s.Groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		kept := g.Servers[:0]
		for _, ref := range g.Servers {
			if _, ok := s.MCPServers[ref.Name]; ok {
				kept = append(kept, ref)
			}
		}
		g.Servers = kept
	}
}
