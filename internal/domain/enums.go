// Package domain defines the core domain models for the viewer client.
package domain

import "strings"

// Sender identifies who authored a conversation message.
type Sender string

const (
	SenderCustomer  Sender = "customer"
	SenderOperator  Sender = "operator"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// ParseSender normalizes a wire sender value. The chat service still
// emits the legacy "user" and "admin" names.
func ParseSender(s string) (Sender, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "user":
		return SenderCustomer, true
	case "operator", "admin":
		return SenderOperator, true
	case "assistant":
		return SenderAssistant, true
	case "system":
		return SenderSystem, true
	default:
		return "", false
	}
}

// Wire returns the sender name understood by the chat service.
func (s Sender) Wire() string {
	switch s {
	case SenderCustomer:
		return "user"
	case SenderOperator:
		return "admin"
	default:
		return string(s)
	}
}

// Role is the role of the person operating a viewer session.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// Scope claim values issued by the credential service.
const (
	ScopeAdmin  = "ROLE_ADMIN"
	ScopeClient = "ROLE_CLIENT"
)

// RoleFromScope maps a token scope claim to a viewer role.
func RoleFromScope(scope string) Role {
	if scope == ScopeAdmin {
		return RoleOperator
	}
	return RoleCustomer
}

// Sender returns the sender value messages from this role carry.
func (r Role) Sender() Sender {
	if r == RoleOperator {
		return SenderOperator
	}
	return SenderCustomer
}

// Owns reports whether a message from sender is the viewer's own.
func (r Role) Owns(sender Sender) bool {
	return sender == r.Sender()
}
