// Package auth resolves the caller once at the HTTP boundary into a Principal
// that every ownership check receives explicitly.
package auth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	// RoleSystem is used by workers and reconciliation, never issued in a token.
	RoleSystem Role = "system"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Principal struct {
	Role Role
	ID   uuid.UUID
}

// System is the actor recorded for automatic transitions.
var System = Principal{Role: RoleSystem}

func Patient(id uuid.UUID) Principal { return Principal{Role: RolePatient, ID: id} }
func Doctor(id uuid.UUID) Principal  { return Principal{Role: RoleDoctor, ID: id} }
func Admin(id uuid.UUID) Principal   { return Principal{Role: RoleAdmin, ID: id} }

func (p Principal) IsZero() bool { return p.Role == "" }

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func (p Principal) IsSystem() bool { return p.Role == RoleSystem }

// IsDoctor reports whether p is the given doctor.
func (p Principal) IsDoctor(id uuid.UUID) bool {
	return p.Role == RoleDoctor && p.ID == id
}

// IsPatient reports whether p is the given patient.
func (p Principal) IsPatient(id uuid.UUID) bool {
	return p.Role == RolePatient && p.ID == id
}

// CanManageDoctor reports whether p may act on the doctor's own resources.
func (p Principal) CanManageDoctor(doctorID uuid.UUID) bool {
	return p.IsAdmin() || p.IsSystem() || p.IsDoctor(doctorID)
}

// String renders the actor for audit fields, e.g. "doctor:<id>" or "system".
func (p Principal) String() string {
	switch p.Role {
	case "":
		return "anonymous"
	case RoleSystem:
		return string(RoleSystem)
	default:
		return fmt.Sprintf("%s:%s", p.Role, p.ID)
	}
}

func parseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleDoctor, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}
