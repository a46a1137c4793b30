// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package features defines the feature-flag data model shared by the edge
// cache, the event stream, and the SDK-facing API.
package features

import (
	"github.com/google/uuid"
)

// ValueType identifies the type of a feature's value. It never changes after
// the feature is created.
type ValueType string

const (
	ValueTypeBoolean ValueType = "BOOLEAN"
	ValueTypeString  ValueType = "STRING"
	ValueTypeNumber  ValueType = "NUMBER"
	ValueTypeJSON    ValueType = "JSON"
)

// RoleType is a capability tag granted to a service account for one
// environment.
type RoleType string

const (
	RoleRead        RoleType = "READ"
	RoleLock        RoleType = "LOCK"
	RoleUnlock      RoleType = "UNLOCK"
	RoleChangeValue RoleType = "CHANGE_VALUE"
	// RoleExtendedData allows the caller to see enriched feature properties.
	RoleExtendedData RoleType = "EXTENDED_DATA"
)

// FeatureDefinition is the environment-independent half of a feature. Identity
// is ID; Key is a human-readable alias that may be renamed.
type FeatureDefinition struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	ValueType ValueType `json:"valueType"`
	Version   int64     `json:"version"`
}

// RolloutStrategy is carried opaquely by the cache; evaluation happens
// downstream in the SDKs.
type RolloutStrategy struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Percentage *int32           `json:"percentage,omitempty"`
	Value      any              `json:"value,omitempty"`
	Attributes []map[string]any `json:"attributes,omitempty"`
}

// FeatureValue is the per-environment half of a feature. Version is the sole
// conflict-resolution signal for the cache.
type FeatureValue struct {
	ID                uuid.UUID         `json:"id"`
	Version           int64             `json:"version"`
	Value             any               `json:"value,omitempty"`
	Locked            bool              `json:"locked,omitempty"`
	Retired           bool              `json:"retired,omitempty"`
	RolloutStrategies []RolloutStrategy `json:"rolloutStrategies,omitempty"`
	LastChangedByID   uuid.UUID         `json:"lastChangedById,omitempty"`
}

// EnvironmentFeature pairs a feature definition with its (optional) value in
// one environment. Properties is a derived map produced by an external
// enrichment collaborator; the cache treats it as opaque.
type EnvironmentFeature struct {
	Feature    FeatureDefinition `json:"feature"`
	Value      *FeatureValue     `json:"value,omitempty"`
	Properties map[string]string `json:"featureProperties,omitempty"`
}

// Environment is the full per-environment payload served by the registry
// service on a cache miss.
type Environment struct {
	ID                uuid.UUID            `json:"id"`
	Version           int64                `json:"version"`
	Features          []EnvironmentFeature `json:"featureValues"`
	ServiceAccountIDs []uuid.UUID          `json:"serviceAccountIds,omitempty"`
}

// Permission grants a role set for one environment. A grant with an empty
// role set is treated as absent.
type Permission struct {
	EnvironmentID uuid.UUID  `json:"environmentId"`
	Roles         []RoleType `json:"roles"`
}

// HasRole reports whether the grant includes the given role.
func (p Permission) HasRole(role RoleType) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ServiceAccount is dual-keyed: both the client-side and server-side
// evaluation keys resolve to the same record.
type ServiceAccount struct {
	ID            uuid.UUID    `json:"id"`
	Version       int64        `json:"version"`
	ClientEvalKey string       `json:"apiKeyClientSide"`
	ServerEvalKey string       `json:"apiKeyServerSide"`
	Permissions   []Permission `json:"permissions"`
}

// PermissionFor returns the grant for the given environment, if any.
func (sa *ServiceAccount) PermissionFor(envID uuid.UUID) (Permission, bool) {
	for _, p := range sa.Permissions {
		if p.EnvironmentID == envID {
			return p, true
		}
	}
	return Permission{}, false
}

// PublishAction tags every change event.
type PublishAction string

const (
	ActionCreate PublishAction = "CREATE"
	ActionUpdate PublishAction = "UPDATE"
	ActionDelete PublishAction = "DELETE"
	// ActionEmpty signals "this tenant has nothing of this kind" and is a
	// no-op for the cache.
	ActionEmpty PublishAction = "EMPTY"
)

// PublishEnvironment is the environment-change event payload.
type PublishEnvironment struct {
	Action      PublishAction `json:"action"`
	Environment Environment   `json:"environment"`
	Count       int           `json:"count,omitempty"`
}

// PublishServiceAccount is the service-account-change event payload.
type PublishServiceAccount struct {
	Action         PublishAction   `json:"action"`
	ServiceAccount *ServiceAccount `json:"serviceAccount,omitempty"`
	Count          int             `json:"count,omitempty"`
}

// PublishFeatureValue is one feature-value change for one environment.
type PublishFeatureValue struct {
	Action        PublishAction      `json:"action"`
	EnvironmentID uuid.UUID          `json:"environmentId"`
	Feature       EnvironmentFeature `json:"feature"`
}

// PublishFeatureValues is the batched form carried by the feature-value
// subject: one message, many independent per-feature changes applied in
// array order.
type PublishFeatureValues struct {
	Features []PublishFeatureValue `json:"features"`
}
