package security

import (
	"slices"
	"strings"
)

// Well-known permissions outside the per-resource <domain>:<resource>:<operation> scheme.
const (
	// PermSystemAdmin grants blanket access across tenants and resource types.
	PermSystemAdmin = "system:admin"
	// PermQueryExecute allows running standard queries.
	PermQueryExecute = "query:execute"
	// PermQueryAdmin allows running administrative queries, in addition to PermQueryExecute.
	PermQueryAdmin = "query:admin"
)

// Role names known to the catalog.
const (
	RoleSystemAdmin = "system_admin"
	RoleTenantAdmin = "tenant_admin"
	RoleClinician   = "clinician"
	RoleNurse       = "nurse"
	RoleAnalyst     = "analyst"
	RolePatient     = "patient"
)

// CatalogDomain is the permission domain the role catalog grants resource permissions in.
const CatalogDomain = "fhir"

// ResourcePermission builds the permission string for an operation on a resource type.
// Resource type and operation are lower-cased; domain is used as given.
func ResourcePermission(domain, resourceType, operation string) string {
	return domain + ":" + strings.ToLower(resourceType) + ":" + strings.ToLower(operation)
}

var rolePermissions = map[string][]string{
	RoleSystemAdmin: {PermSystemAdmin, PermQueryExecute, PermQueryAdmin},
	RoleTenantAdmin: {
		PermQueryExecute, PermQueryAdmin,
		"fhir:patient:read", "fhir:patient:write", "fhir:patient:delete",
		"fhir:observation:read", "fhir:observation:write", "fhir:observation:delete",
		"fhir:encounter:read", "fhir:encounter:write", "fhir:encounter:delete",
		"fhir:condition:read", "fhir:condition:write", "fhir:condition:delete",
		"fhir:medicationrequest:read", "fhir:medicationrequest:write",
		"fhir:practitioner:read", "fhir:practitioner:write",
	},
	RoleClinician: {
		PermQueryExecute,
		"fhir:patient:read", "fhir:patient:write",
		"fhir:observation:read", "fhir:observation:write",
		"fhir:encounter:read", "fhir:encounter:write",
		"fhir:condition:read", "fhir:condition:write",
		"fhir:medicationrequest:read", "fhir:medicationrequest:write",
		"fhir:practitioner:read",
	},
	RoleNurse: {
		PermQueryExecute,
		"fhir:patient:read",
		"fhir:observation:read", "fhir:observation:write",
		"fhir:encounter:read",
		"fhir:condition:read",
		"fhir:medicationrequest:read",
	},
	RoleAnalyst: {
		PermQueryExecute,
		"fhir:observation:read",
		"fhir:encounter:read",
		"fhir:condition:read",
	},
	RolePatient: {
		"fhir:patient:read",
		"fhir:observation:read",
	},
}

// PermissionsForRole returns a copy of the permissions granted by role, or nil for an unknown role.
func PermissionsForRole(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	return slices.Clone(perms)
}

// KnownRole reports whether role is defined in the catalog.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// clinicalRoles may read any patient record in their tenant.
var clinicalRoles = []string{RoleSystemAdmin, RoleTenantAdmin, RoleClinician, RoleNurse}

// IsClinicalRole reports whether role may access records of patients other than the caller.
func IsClinicalRole(role string) bool {
	return slices.Contains(clinicalRoles, role)
}
