// SPDX-License-Identifier: MIT

// Package model defines the pool domain records and error taxonomy.
package model

import "time"

// Credentials is the opaque account payload attached to a pool entity.
// The coordinator never interprets it.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Tenant   string `json:"tenant,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Tags     string `json:"tags,omitempty"`
}

// Entity is a pre-provisioned test account in the directory.
//
// Lease invariant: IsLeased, LeasedBy and LeasedAt are set and cleared
// together; IsLeased == (LeasedBy != "") == (!LeasedAt.IsZero()).
type Entity struct {
	ID          int64       `json:"id"`
	Role        string      `json:"role"`
	Credentials Credentials `json:"credentials"`
	IsLeased    bool        `json:"is_leased"`
	IsHealthy   bool        `json:"is_healthy"`
	LeasedBy    string      `json:"leased_by,omitempty"`
	LeasedAt    time.Time   `json:"leased_at,omitzero"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Available reports whether the entity may be claimed.
func (e *Entity) Available() bool {
	return !e.IsLeased && e.IsHealthy
}

// Lease attributes the entity to an execution at the given instant.
func (e *Entity) Lease(executionID string, now time.Time) {
	e.IsLeased = true
	e.LeasedBy = executionID
	e.LeasedAt = now
	e.UpdatedAt = now
}

// Unlease clears all lease fields atomically (from the caller's view the
// three fields only ever change together).
func (e *Entity) Unlease(now time.Time) {
	e.IsLeased = false
	e.LeasedBy = ""
	e.LeasedAt = time.Time{}
	e.UpdatedAt = now
}
