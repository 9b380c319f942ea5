package mesh

import "fmt"

// Error codes for mesh operations
const (
	// Topology errors
	ErrCodeTopologyInvalid = "TOPOLOGY_INVALID"
	ErrCodeNodeUnknown     = "NODE_UNKNOWN"

	// Gossip errors
	ErrCodeGossipFailed   = "GOSSIP_FAILED"
	ErrCodePeerRateLimit  = "PEER_RATE_LIMITED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeMessageTooBig  = "MESSAGE_TOO_BIG"
	ErrCodeCodecFailed    = "CODEC_FAILED"
	ErrCodePeerUnreachable = "PEER_UNREACHABLE"

	// Staleness classification (never fails an update)
	ErrCodeNeighborStale = "NEIGHBOR_STALE"
)

// MeshError carries a code and context for mesh-layer failures
type MeshError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewMeshError creates a new coded mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapMeshError wraps an existing error with mesh error context
func WrapMeshError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrTopologyInvalid(reason string) *MeshError {
	return NewMeshError(ErrCodeTopologyInvalid, "adjacency rejected").
		WithContext("reason", reason)
}

func ErrNodeUnknown(nodeID string) *MeshError {
	return NewMeshError(ErrCodeNodeUnknown, "node not in topology").
		WithContext("node_id", nodeID)
}

func ErrPeerUnreachable(peerID string, cause error) *MeshError {
	return WrapMeshError(ErrCodePeerUnreachable, "peer unreachable", cause).
		WithContext("peer_id", peerID)
}

func ErrCircuitOpen(peerID string) *MeshError {
	return NewMeshError(ErrCodeCircuitOpen, "circuit breaker open").
		WithContext("peer_id", peerID)
}
