// Package protocol defines the message envelopes exchanged over the typed
// socket between the controller and each kind of collaborator node (drone,
// proxy, DNS). Every envelope follows the BackendState convention used
// throughout this module: a Kind discriminator plus the fields relevant to
// that kind, which round-trips cleanly through JSON without a generated
// union type.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

// BackendEventId identifies one row of the drone's local event log, used
// to acknowledge delivery back to the drone.
type BackendEventId int64

// BackendStateMessage reports a backend's state transition from drone to
// controller.
type BackendStateMessage struct {
	EventId   BackendEventId     `json:"event_id"`
	BackendId types.BackendName  `json:"backend_id"`
	State     types.BackendState `json:"state"`
	Timestamp time.Time          `json:"timestamp"`
}

// BackendMetricsMessage reports a drone's point-in-time resource
// measurement of one backend.
type BackendMetricsMessage struct {
	BackendId      types.BackendName `json:"backend_id"`
	MemUsed        uint64            `json:"mem_used"`
	MemTotal       uint64            `json:"mem_total"`
	MemActive      uint64            `json:"mem_active"`
	MemInactive    uint64            `json:"mem_inactive"`
	MemUnevictable uint64            `json:"mem_unevictable"`
	MemLimit       uint64            `json:"mem_limit"`
	CpuUsedNanos   uint64            `json:"cpu_used"`
	SysCpuNanos    uint64            `json:"sys_cpu"`
}

// RenewKeyRequest asks the controller to renew the fencing key held by
// backend as of the drone's local clock. Token is the
// fencing token the drone currently believes it holds; the controller only
// renews if it still matches the one on file.
type RenewKeyRequest struct {
	Backend   types.BackendName `json:"backend"`
	LocalTime time.Time         `json:"local_time"`
	Token     int64             `json:"token"`
}

// RenewKeyResponse answers a RenewKeyRequest; Deadlines is nil when the
// renewal was rejected (key already expired or reassigned). Token is the
// bumped fencing token the drone must present on its next renewal.
type RenewKeyResponse struct {
	Backend   types.BackendName   `json:"backend"`
	Deadlines *types.KeyDeadlines `json:"deadlines,omitempty"`
	Token     int64               `json:"token,omitempty"`
}

// Heartbeat is the drone's periodic liveness ping. Ready is false only on
// the final heartbeat sent as part of a graceful shutdown, telling the
// controller to stop counting this drone as eligible without waiting out
// the full liveness window.
type Heartbeat struct {
	LocalTime time.Time `json:"local_time"`
	Ready     bool      `json:"ready"`
}

// DroneMessageKind discriminates MessageFromDrone/MessageToDrone payloads.
type DroneMessageKind string

const (
	FromDroneHeartbeat     DroneMessageKind = "heartbeat"
	FromDroneBackendEvent  DroneMessageKind = "backend_event"
	FromDroneBackendMetric DroneMessageKind = "backend_metrics"
	FromDroneAckAction     DroneMessageKind = "ack_action"
	FromDroneRenewKey      DroneMessageKind = "renew_key"

	ToDroneAction           DroneMessageKind = "action"
	ToDroneAckEvent         DroneMessageKind = "ack_event"
	ToDroneRenewKeyResponse DroneMessageKind = "renew_key_response"
)

// MessageFromDrone is everything a drone can send to the controller.
type MessageFromDrone struct {
	Kind DroneMessageKind `json:"kind"`

	Heartbeat      *Heartbeat             `json:"heartbeat,omitempty"`
	BackendEvent   *BackendStateMessage   `json:"backend_event,omitempty"`
	BackendMetrics *BackendMetricsMessage `json:"backend_metrics,omitempty"`
	ActionId       int64                  `json:"action_id,omitempty"`
	RenewKey       *RenewKeyRequest       `json:"renew_key,omitempty"`
}

// BackendAction is the payload of a spawn or terminate instruction.
type BackendAction struct {
	Kind types.ActionKind `json:"kind"`

	// Spawn
	Executable  json.RawMessage    `json:"executable,omitempty"`
	Key         types.AcquiredKey  `json:"key,omitzero"`
	StaticToken *types.BearerToken `json:"static_token,omitempty"`

	// Terminate
	TerminationKind   types.TerminationKind   `json:"termination_kind,omitempty"`
	TerminationReason types.TerminationReason `json:"termination_reason,omitempty"`
}

// BackendActionMessage is a durable outbox entry delivered to a specific
// drone.
type BackendActionMessage struct {
	ActionId  int64             `json:"action_id"`
	BackendId types.BackendName `json:"backend_id"`
	DroneId   types.NodeId      `json:"drone_id"`
	Action    BackendAction     `json:"action"`
}

// MessageToDrone is everything the controller can send to a drone.
type MessageToDrone struct {
	Kind DroneMessageKind `json:"kind"`

	Action           *BackendActionMessage `json:"action,omitempty"`
	AckEventId       BackendEventId        `json:"ack_event_id,omitempty"`
	RenewKeyResponse *RenewKeyResponse     `json:"renew_key_response,omitempty"`
}

// ProxyMessageKind discriminates MessageFromProxy/MessageToProxy payloads.
type ProxyMessageKind string

const (
	FromProxyRouteInfoRequest ProxyMessageKind = "route_info_request"
	FromProxyKeepAlive        ProxyMessageKind = "keep_alive"
	FromProxyCertManagerReq   ProxyMessageKind = "cert_manager_request"

	ToProxyRouteInfoResponse ProxyMessageKind = "route_info_response"
	ToProxyCertManagerResp   ProxyMessageKind = "cert_manager_response"
	ToProxyBackendRemoved    ProxyMessageKind = "backend_removed"
)

// RouteInfoRequest asks the controller to resolve a bearer token to a
// route.
type RouteInfoRequest struct {
	Token types.BearerToken `json:"token"`
}

// RouteInfoResponse answers a RouteInfoRequest; Route is nil when the
// token is not known to the controller.
type RouteInfoResponse struct {
	Token types.BearerToken `json:"token"`
	Route *types.RouteInfo  `json:"route,omitempty"`
}

// CertLeaseAction distinguishes the three cert-manager RPCs one proxy can
// issue.
type CertLeaseAction string

const (
	CertLeaseRequestAction CertLeaseAction = "lease_request"
	CertSetTxtRecordAction CertLeaseAction = "set_txt_record"
	CertReleaseLeaseAction CertLeaseAction = "release_lease"
)

// CertManagerRequest is one leased-ACME-flow RPC from a proxy to the
// controller.
type CertManagerRequest struct {
	Action   CertLeaseAction `json:"action"`
	TxtValue string          `json:"txt_value,omitempty"`
}

// CertManagerResponse answers a CertManagerRequest.
type CertManagerResponse struct {
	Action   CertLeaseAction `json:"action"`
	Accepted bool            `json:"accepted"`
}

// MessageFromProxy is everything a proxy can send to the controller.
type MessageFromProxy struct {
	Kind ProxyMessageKind `json:"kind"`

	RouteInfoRequest   *RouteInfoRequest   `json:"route_info_request,omitempty"`
	KeepAliveBackend   types.BackendName   `json:"keep_alive_backend,omitempty"`
	CertManagerRequest *CertManagerRequest `json:"cert_manager_request,omitempty"`
}

// MessageToProxy is everything the controller can send to a proxy.
type MessageToProxy struct {
	Kind ProxyMessageKind `json:"kind"`

	RouteInfoResponse   *RouteInfoResponse   `json:"route_info_response,omitempty"`
	CertManagerResponse *CertManagerResponse `json:"cert_manager_response,omitempty"`
	RemovedBackend      types.BackendName    `json:"removed_backend,omitempty"`
}

// DnsMessageKind discriminates MessageFromDns/MessageToDns payloads.
type DnsMessageKind string

const (
	FromDnsTxtRecordRequest DnsMessageKind = "txt_record_request"
	ToDnsTxtRecordResponse  DnsMessageKind = "txt_record_response"
)

// MessageFromDns is sent by the DNS collaborator to ask what TXT value it
// should currently be serving for a cluster's ACME challenge.
type MessageFromDns struct {
	Kind    DnsMessageKind    `json:"kind"`
	Cluster types.ClusterName `json:"cluster"`
}

// MessageToDns answers a MessageFromDns; TxtValue is empty when no lease
// is currently active for the cluster.
type MessageToDns struct {
	Kind     DnsMessageKind    `json:"kind"`
	Cluster  types.ClusterName `json:"cluster"`
	TxtValue string            `json:"txt_value,omitempty"`
}

// Hello describes a collaborator node and its role. No collaborator sends
// it: node identity travels in the dial URL, and a drone greets with a
// Heartbeat after each (re)connect.
type Hello struct {
	Name    string            `json:"name"`
	Kind    types.NodeKind    `json:"kind"`
	Cluster types.ClusterName `json:"cluster,omitempty"`
}

// StatusResponse is the controller's self-reported build identity, served
// at GET /status.
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}
