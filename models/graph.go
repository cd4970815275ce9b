package models

// NodeKind classifies a node of a project service graph.
type NodeKind string

const (
	NodeKindService  NodeKind = "SERVICE"
	NodeKindDatabase NodeKind = "DATABASE"
	NodeKindGateway  NodeKind = "GATEWAY"
	NodeKindLogic    NodeKind = "LOGIC"
)

// EdgeKind classifies the connection an edge represents.
type EdgeKind string

const (
	EdgeKindHTTP         EdgeKind = "HTTP"
	EdgeKindDatabase     EdgeKind = "DATABASE"
	EdgeKindMessageQueue EdgeKind = "MESSAGE_QUEUE"
	EdgeKindUnspecified  EdgeKind = "UNSPECIFIED"
)

// Graph is the service graph of one project as delivered by the graph provider.
// Every edge endpoint references an existing node id; the provider enforces this.
type Graph struct {
	// Nodes are the services, databases, gateways and logic blocks of the project
	Nodes []Node `json:"nodes"`

	// Edges are the directed connections between nodes
	Edges []Edge `json:"edges"`
}

// Node is a single vertex of the service graph.
type Node struct {
	// ID is the node identifier, unique within a graph
	ID string `json:"id"`

	// Kind is the node type (SERVICE, DATABASE, GATEWAY, LOGIC)
	Kind NodeKind `json:"type"`

	// Data carries the user-editable node properties
	Data NodeData `json:"data"`
}

// NodeData holds the properties drawn in the graph editor.
type NodeData struct {
	// ServiceName is the human name of the node; the node id is used when empty
	ServiceName string `json:"serviceName,omitempty"`

	// Config holds free-form settings (databaseType, connectionName, database, user, password, ...)
	Config map[string]string `json:"config,omitempty"`

	// BlueprintID references the blueprint the node was created from
	BlueprintID string `json:"blueprintId,omitempty"`
}

// Edge is a directed connection from Source to Target.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"type"`
}

// GenerationResult reports one successfully generated service node.
type GenerationResult struct {
	// NodeID is the graph node the code was generated for
	NodeID string `json:"nodeId" validate:"required"`

	// ServiceName is the name the generated service is deployed under
	ServiceName string `json:"serviceName" validate:"required"`

	// GeneratedCodePath is where the generated sources live inside the build context (optional)
	GeneratedCodePath string `json:"generatedCodePath,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// ConfigValue returns a node config value or the fallback when unset or empty.
func (n *Node) ConfigValue(key, fallback string) string {
	if v := n.Data.Config[key]; v != "" {
		return v
	}
	return fallback
}
