package store

import "strings"

// Key layout shared by the non-SQL backends, one namespace per tenant so
// cross-tenant scans are impossible by construction:
//
//	agentflux:{tenantID}:dispatches:{dispatchID}
//
// Tenant IDs are validated at the API boundary to a charset that cannot
// contain the separator.
const keyNamespace = "agentflux"

func dispatchKey(tenantID, dispatchID string) string {
	return dispatchPrefix(tenantID) + dispatchID
}

func dispatchPrefix(tenantID string) string {
	return strings.Join([]string{keyNamespace, tenantID, "dispatches", ""}, ":")
}
