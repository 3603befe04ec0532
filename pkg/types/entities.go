package types

import (
	"encoding/json"
	"net"
	"time"
)

// Node is a registered drone, proxy, or DNS collaborator.
type Node struct {
	Id      NodeId
	Name    string
	Cluster ClusterName
	// Pool groups drones within a cluster for scheduling; empty for proxy/dns nodes.
	Pool          string
	Kind          NodeKind
	Controller    *ControllerName
	LastHeartbeat time.Time
	Ready         bool
	Draining      bool
}

// ActionKind distinguishes the two kinds of outbox message a drone
// receives.
type ActionKind string

const (
	ActionSpawn     ActionKind = "spawn"
	ActionTerminate ActionKind = "terminate"
)

// BackendAction is a durable outbox row the drone must acknowledge.
type BackendAction struct {
	ActionId int64
	Backend  BackendName
	DroneId  NodeId
	Action   ActionKind

	// Present only when Action == ActionTerminate.
	TerminateHard bool

	// Present only when Action == ActionSpawn.
	Executable  json.RawMessage
	Key         *AcquiredKey
	StaticToken *BearerToken
}

// SpawnConfig describes the container a connect request wants spawned.
type SpawnConfig struct {
	Id                   *BackendName    `json:"id,omitempty"`
	Cluster              ClusterName     `json:"cluster"`
	Pool                 string          `json:"pool,omitempty"`
	Executable           json.RawMessage `json:"executable" validate:"required"`
	LifetimeLimitSeconds *int32          `json:"lifetime_limit_seconds,omitempty" validate:"omitempty,gt=0"`
	MaxIdleSeconds       *int32          `json:"max_idle_seconds,omitempty" validate:"omitempty,gt=0"`
	UseStaticToken       bool            `json:"use_static_token,omitempty"`
	Subdomain            Subdomain       `json:"subdomain,omitempty"`
}

// KeyConfig names the fencing key a connect request wants to acquire or
// rejoin.
type KeyConfig struct {
	Name      string `json:"name" validate:"required"`
	Namespace string `json:"namespace" validate:"required"`
	Tag       string `json:"tag"`
}

// KeyDeadlines are the three renewal/termination deadlines that come with
// an acquired key: renew_at < soft_terminate_at <
// hard_terminate_at.
type KeyDeadlines struct {
	RenewAt         time.Time `json:"renew_at"`
	SoftTerminateAt time.Time `json:"soft_terminate_at"`
	HardTerminateAt time.Time `json:"hard_terminate_at"`
}

// BackendKey is the fencing-key row. Uniqueness constraint on
// (cluster, namespace, name, tag); fencing_token increments every
// release-and-reacquire cycle.
type BackendKey struct {
	BackendId    BackendName
	Name         string
	Cluster      ClusterName
	Namespace    string
	Tag          string
	FencingToken int64
	Deadlines    KeyDeadlines
	ExpiresAt    time.Time
}

// AcquiredKey is what the drone's key manager holds: a key plus the token
// it must present on renewal.
type AcquiredKey struct {
	Key       KeyConfig
	Backend   BackendName
	Token     int64 // fencing token at acquisition time
	Deadlines KeyDeadlines
}

// Token is a non-static bearer token row. Static tokens live
// on the Backend row instead (Backend.StaticToken).
type Token struct {
	Token       BearerToken
	BackendId   BackendName
	Username    string
	Auth        json.RawMessage
	SecretToken SecretToken
}

// Backend is the authoritative row for one session container.
type Backend struct {
	Id                 BackendName
	Cluster            ClusterName
	DroneId            NodeId
	State              BackendState
	LastStatus         BackendStatus
	LastStatusTime     time.Time
	LastStatusNumber   int64
	ClusterAddress     *net.TCPAddr
	LastKeepalive      time.Time
	ExpirationTime     *time.Time
	AllowedIdleSeconds *int32
	StaticToken        *BearerToken
	SecretToken        SecretToken
	Subdomain          Subdomain
}

// RouteInfo is the tuple the proxy needs to forward a request (GLOSSARY).
type RouteInfo struct {
	BackendId   BackendName     `json:"backend_id"`
	Address     string          `json:"address"`
	SecretToken SecretToken     `json:"secret_token"`
	Cluster     ClusterName     `json:"cluster"`
	User        string          `json:"user,omitempty"`
	UserData    json.RawMessage `json:"user_data,omitempty"`
	Subdomain   Subdomain       `json:"subdomain,omitempty"`
	// BackendReady is false while the backend has not yet reached Ready;
	// the proxy returns 503 for these rather than caching them long.
	BackendReady bool `json:"backend_ready"`
}

// AcmeRecord tracks the DNS-01 TXT value and lease state for ACME issuance
// on one cluster.
type AcmeRecord struct {
	Cluster     ClusterName
	TxtValue    string
	LeaseHolder *ProxyName
	LeaseExpiry time.Time
}

// ConnectRequest is the body of POST /c/:cluster/connect.
type ConnectRequest struct {
	SpawnConfig *SpawnConfig    `json:"spawn_config,omitempty"`
	Key         *KeyConfig      `json:"key,omitempty"`
	User        string          `json:"user,omitempty"`
	Auth        json.RawMessage `json:"auth,omitempty"`
}

// ConnectResponse is the response of a successful connect.
type ConnectResponse struct {
	BackendId   BackendName `json:"backend_id"`
	Token       BearerToken `json:"token"`
	Url         string      `json:"url"`
	SecretToken SecretToken `json:"secret_token"`
	StatusUrl   string      `json:"status_url"`
	Drone       string      `json:"drone"`
}
