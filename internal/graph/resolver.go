// Package graph answers dependency questions about a project service graph.
//
// Two relations are derived from edges and they point in opposite directions:
//
//   - service -> service: for an edge source->target, the TARGET service depends
//     on the SOURCE service.
//   - service -> database: for a DATABASE edge source->target, the SOURCE service
//     depends on the TARGET database.
//
// Both directions are pinned by tests.
package graph

import (
	"sort"

	"evalgo.org/graphdeploy/models"
)

// Resolver indexes one graph. It holds no state beyond the graph itself.
type Resolver struct {
	graph        *models.Graph
	nodes        map[string]*models.Node
	serviceNames map[string]string
}

// NewResolver indexes g.
func NewResolver(g *models.Graph) *Resolver {
	r := &Resolver{
		graph:        g,
		nodes:        make(map[string]*models.Node, len(g.Nodes)),
		serviceNames: make(map[string]string),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		r.nodes[n.ID] = n
		if n.Kind == models.NodeKindService {
			r.serviceNames[n.ID] = ServiceName(n)
		}
	}
	return r
}

// ServiceName is the deployable name of a node: its serviceName, or its id.
func ServiceName(n *models.Node) string {
	if n.Data.ServiceName != "" {
		return n.Data.ServiceName
	}
	return n.ID
}

// ConnectionName is the component and host name of a database node.
func ConnectionName(n *models.Node) string {
	if v := n.Data.Config["connectionName"]; v != "" {
		return v
	}
	if n.Data.ServiceName != "" {
		return n.Data.ServiceName
	}
	id := n.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "db-" + id
}

// Node returns the node with the given id, or nil.
func (r *Resolver) Node(id string) *models.Node {
	return r.nodes[id]
}

// ServiceNodes returns the SERVICE nodes in graph order.
func (r *Resolver) ServiceNodes() []*models.Node {
	return r.nodesOfKind(models.NodeKindService)
}

// DatabaseNodes returns the DATABASE nodes in graph order.
func (r *Resolver) DatabaseNodes() []*models.Node {
	return r.nodesOfKind(models.NodeKindDatabase)
}

func (r *Resolver) nodesOfKind(kind models.NodeKind) []*models.Node {
	var out []*models.Node
	for i := range r.graph.Nodes {
		if r.graph.Nodes[i].Kind == kind {
			out = append(out, &r.graph.Nodes[i])
		}
	}
	return out
}

// ServiceNameOf maps a SERVICE node id to its service name.
func (r *Resolver) ServiceNameOf(nodeID string) (string, bool) {
	name, ok := r.serviceNames[nodeID]
	return name, ok
}

// ServiceNames returns a copy of the nodeID -> serviceName map.
func (r *Resolver) ServiceNames() map[string]string {
	out := make(map[string]string, len(r.serviceNames))
	for k, v := range r.serviceNames {
		out[k] = v
	}
	return out
}

// ServiceDependencies maps a service name to the services it depends on.
// UNSPECIFIED edges and edges with a non-service endpoint are ignored; the
// edge target depends on the edge source.
func (r *Resolver) ServiceDependencies() map[string][]string {
	deps := make(map[string][]string)
	for _, e := range r.graph.Edges {
		if e.Kind == models.EdgeKindUnspecified {
			continue
		}
		source, ok := r.serviceNames[e.Source]
		if !ok {
			continue
		}
		target, ok := r.serviceNames[e.Target]
		if !ok {
			continue
		}
		deps[target] = append(deps[target], source)
	}
	return deps
}

// InvolvedServices lists every service name that appears on either side of
// a service dependency, sorted.
func (r *Resolver) InvolvedServices() []string {
	seen := make(map[string]struct{})
	for target, sources := range r.ServiceDependencies() {
		seen[target] = struct{}{}
		for _, s := range sources {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DatabaseDependencies returns the connection names of the databases nodeID
// reaches through DATABASE edges where nodeID is the source.
func (r *Resolver) DatabaseDependencies(nodeID string) []string {
	var out []string
	for _, e := range r.graph.Edges {
		if e.Source != nodeID || e.Kind != models.EdgeKindDatabase {
			continue
		}
		target := r.nodes[e.Target]
		if target == nil || target.Kind != models.NodeKindDatabase {
			continue
		}
		out = append(out, ConnectionName(target))
	}
	return out
}
