// Package types holds the data model shared by the controller, the drone
// agent, and the proxy: opaque identifiers, the Backend/Node/Key entities,
// and the BackendState tagged union.
package types

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// ClusterName is a DNS-style routing domain name, optionally carrying a
// port (e.g. "cluster.example:4443"). It forms the URL host.
type ClusterName string

// BackendName uniquely identifies a backend within a cluster.
type BackendName string

// DroneName, ProxyName, DnsName, ControllerName identify a node by role.
type (
	DroneName      string
	ProxyName      string
	DnsName        string
	ControllerName string
)

// NodeId is the integer surrogate key the controller DB assigns to any
// registered node.
type NodeId int64

// BearerToken is the opaque URL path segment that addresses one backend.
// A token is static iff it begins with "s.": static tokens pass the
// original URL path through to the backend, non-static tokens strip the
// token prefix before forwarding.
type BearerToken string

// StaticPrefix is the prefix that marks a BearerToken as static.
const StaticPrefix = "s."

// IsStatic reports whether t is a static token.
func (t BearerToken) IsStatic() bool {
	return strings.HasPrefix(string(t), StaticPrefix)
}

// SecretToken is the shared secret used for backend<->proxy authentication.
type SecretToken string

// Subdomain is an optional host-label constraint attached to a backend.
type Subdomain string

// tokenEncoding is base32 over the digits and the letters a-v, so generated
// ids stay lowercase-alphanumeric.
var tokenEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

func randomSuffix(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken; there is nothing a caller can
		// meaningfully do except crash loudly.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return tokenEncoding.EncodeToString(buf)
}

// NewBackendName generates a random BackendName with the given prefix
// (e.g. "pool" -> "pool-7m2kq9c4a1j0bd5e").
func NewBackendName(prefix string) BackendName {
	if prefix == "" {
		prefix = "backend"
	}
	return BackendName(fmt.Sprintf("%s-%s", prefix, randomSuffix(10)))
}

// NewBearerToken generates a random non-static bearer token.
func NewBearerToken() BearerToken {
	return BearerToken(randomSuffix(20))
}

// NewStaticBearerToken generates a random bearer token with the static
// ("s.") prefix.
func NewStaticBearerToken() BearerToken {
	return BearerToken(StaticPrefix + randomSuffix(20))
}

// NewSecretToken generates a random shared secret.
func NewSecretToken() SecretToken {
	return SecretToken(randomSuffix(32))
}

// NodeKind classifies a registered node.
type NodeKind string

const (
	NodeKindDrone NodeKind = "drone"
	NodeKindProxy NodeKind = "proxy"
	NodeKindDns   NodeKind = "dns"
)
