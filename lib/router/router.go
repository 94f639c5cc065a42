// Chatwire
// Copyright (C) 2026 Chatwire Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package router maps request fingerprints to command ids and command ids
// to the backend service that owns them. The tables are immutable
// snapshots; Reload swaps the whole snapshot in one step so readers never
// observe a half-updated table.
package router

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/defaults"
)

// Route binds one (method, path) fingerprint to a command id. Path is
// relative to the configured API prefix.
type Route struct {
	// Method is the request method, matched case-insensitively.
	Method string
	// Path is the exact route path under the API prefix.
	Path string
	// CmdID is the command id dispatched for this route. Zero is
	// reserved and invalid.
	CmdID uint32
	// Service is the name of the backend service owning the route.
	Service string
	// Public marks routes served without a bearer token.
	Public bool
}

// Service describes one backend service reachable through the gateway.
type Service struct {
	// Name is the unique service name referenced by routes.
	Name string
	// Endpoint is the downstream address of the service.
	Endpoint string
	// Timeout bounds calls forwarded to the service.
	Timeout time.Duration
	// MaxConnections caps concurrent connections to the service.
	MaxConnections int
	// CmdRange is the inclusive [lo, hi] command id range the service
	// owns.
	CmdRange [2]uint32
}

// Config is the full routing configuration loaded from the route table.
type Config struct {
	// APIPrefix is stripped from request paths before lookup.
	APIPrefix string
	// Routes is the static route table.
	Routes []Route
	// Services is the static service table.
	Services []Service
}

// Match is the result of resolving a request fingerprint.
type Match struct {
	// CmdID is the command id bound to the route.
	CmdID uint32
	// Service is the owning service name.
	Service string
	// Public reports whether the route is served without a token.
	Public bool
}

type routeKey struct {
	method string
	path   string
}

type tables struct {
	prefix   string
	routes   map[routeKey]Match
	services map[string]Service
	// ordered is sorted by service name so that overlapping command
	// ranges resolve deterministically.
	ordered []Service
}

// Router resolves request fingerprints and command ids. Lookups are pure
// and safe for concurrent use; Reload replaces the snapshot atomically.
type Router struct {
	tab atomic.Pointer[tables]
}

// New builds a Router from the given configuration.
func New(cfg Config) (*Router, error) {
	r := &Router{}
	if err := r.Reload(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// Reload validates cfg and swaps the routing snapshot in one step.
func (r *Router) Reload(cfg Config) error {
	tab, err := buildTables(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	r.tab.Store(tab)
	return nil
}

func buildTables(cfg Config) (*tables, error) {
	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = defaults.APIPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")

	tab := &tables{
		prefix:   prefix,
		routes:   make(map[routeKey]Match, len(cfg.Routes)),
		services: make(map[string]Service, len(cfg.Services)),
	}
	for _, svc := range cfg.Services {
		if svc.Name == "" {
			return nil, trace.BadParameter("service with empty name")
		}
		if svc.CmdRange[0] > svc.CmdRange[1] {
			return nil, trace.BadParameter("service %q has inverted command range [%v, %v]",
				svc.Name, svc.CmdRange[0], svc.CmdRange[1])
		}
		if _, ok := tab.services[svc.Name]; ok {
			return nil, trace.AlreadyExists("duplicate service %q", svc.Name)
		}
		if svc.Timeout == 0 {
			svc.Timeout = defaults.ServiceTimeout
		}
		if svc.MaxConnections == 0 {
			svc.MaxConnections = defaults.ServiceMaxConnections
		}
		tab.services[svc.Name] = svc
		tab.ordered = append(tab.ordered, svc)
	}
	sort.Slice(tab.ordered, func(i, j int) bool {
		return tab.ordered[i].Name < tab.ordered[j].Name
	})

	for _, route := range cfg.Routes {
		if route.CmdID == 0 {
			return nil, trace.BadParameter("route %v %v uses reserved cmd_id 0", route.Method, route.Path)
		}
		if route.Method == "" || route.Path == "" {
			return nil, trace.BadParameter("route with empty method or path")
		}
		key := routeKey{
			method: strings.ToUpper(route.Method),
			path:   "/" + strings.Trim(route.Path, "/"),
		}
		if _, ok := tab.routes[key]; ok {
			return nil, trace.AlreadyExists("duplicate route %v %v", key.method, key.path)
		}
		tab.routes[key] = Match{CmdID: route.CmdID, Service: route.Service, Public: route.Public}
	}
	return tab, nil
}

// APIPrefix returns the active prefix of the snapshot.
func (r *Router) APIPrefix() string {
	return r.tab.Load().prefix
}

// Resolve maps (method, path) to the route match. The API prefix is
// stripped from path first; a path outside the prefix or an unknown
// route yields NotFound.
func (r *Router) Resolve(method, path string) (Match, error) {
	tab := r.tab.Load()
	rel, ok := strings.CutPrefix(path, tab.prefix)
	if !ok {
		return Match{}, trace.NotFound("path %q is outside the API prefix %q", path, tab.prefix)
	}
	key := routeKey{
		method: strings.ToUpper(method),
		path:   "/" + strings.Trim(rel, "/"),
	}
	match, ok := tab.routes[key]
	if !ok {
		return Match{}, trace.NotFound("no route for %v %v", key.method, path)
	}
	return match, nil
}

// ResolveService returns the service with the given name.
func (r *Router) ResolveService(name string) (Service, error) {
	svc, ok := r.tab.Load().services[name]
	if !ok {
		return Service{}, trace.NotFound("no service named %q", name)
	}
	return svc, nil
}

// ResolveServiceByCmd returns the service whose command range contains
// cmd. When ranges overlap the first service in lexicographic name order
// wins.
func (r *Router) ResolveServiceByCmd(cmd uint32) (Service, error) {
	for _, svc := range r.tab.Load().ordered {
		if cmd >= svc.CmdRange[0] && cmd <= svc.CmdRange[1] {
			return svc, nil
		}
	}
	return Service{}, trace.NotFound("no service covers cmd_id %v", cmd)
}
