package rights

import (
	"github.com/modelvault/authcore/pkg/scope"
)

// DefaultUserScopes builds the default base scope template for a user:
// self-profile management, listing registered emails, resource creation, and
// read access to every currently globally-shared resource together with the
// right to remove oneself from its sharing list.
func DefaultUserScopes(userID string, globallySharedResourceIDs []string) []scope.AccessScope {
	scopes := []scope.AccessScope{
		{WildcardPath: "/auth/users/" + userID, AccessRights: []string{"GET", "POST"}},
		{WildcardPath: "/auth/users/" + userID + "/*", AccessRights: []string{"GET", "POST", "PUT", "DELETE"}},
		{WildcardPath: "/auth/list_registered_email_addresses", AccessRights: []string{"GET"}},
		{WildcardPath: "/3d/models", AccessRights: []string{"PUT"}},
		{WildcardPath: "/3d/models/globally_shared", AccessRights: []string{"GET"}},
		{WildcardPath: "/3d/models/get_models_by/user_id/" + userID + "/*", AccessRights: []string{"GET"}},
		{WildcardPath: "/custom_procedures/by_user/" + userID + "/*", AccessRights: []string{"POST"}},
	}

	for _, resourceID := range globallySharedResourceIDs {
		scopes = append(scopes,
			scope.AccessScope{WildcardPath: "/3d/models/" + resourceID + "*", AccessRights: []string{"GET"}},
			scope.AccessScope{WildcardPath: "/custom_procedures/by_model/" + resourceID + "*", AccessRights: []string{"GET"}},
			scope.AccessScope{WildcardPath: "/3d/models/" + resourceID + "/remove_sharing_from/user_id/" + userID, AccessRights: []string{"DELETE"}},
		)
	}

	return scopes
}

// SuperAdminScopes grants every right on every path. Reserved for federated
// identities on the operator allow-list.
func SuperAdminScopes() []scope.AccessScope {
	return []scope.AccessScope{
		{WildcardPath: "*", AccessRights: []string{"GET", "POST", "PUT", "DELETE"}},
	}
}

// OwnerResourceScopes is the grant a resource owner receives when a resource
// is created under their account.
func OwnerResourceScopes(resourceID string) []scope.AccessScope {
	return []scope.AccessScope{
		{WildcardPath: "/3d/models/" + resourceID + "*", AccessRights: []string{"GET", "POST", "PUT", "DELETE"}},
		{WildcardPath: "/custom_procedures/by_model/" + resourceID + "*", AccessRights: []string{"GET"}},
	}
}

// SharedResourceScopes is the read-only grant a user receives when a
// resource is shared with them, including the right to unshare themselves.
func SharedResourceScopes(resourceID, userID string) []scope.AccessScope {
	return []scope.AccessScope{
		{WildcardPath: "/3d/models/" + resourceID + "*", AccessRights: []string{"GET"}},
		{WildcardPath: "/custom_procedures/by_model/" + resourceID + "*", AccessRights: []string{"GET"}},
		{WildcardPath: "/3d/models/" + resourceID + "/remove_sharing_from/user_id/" + userID, AccessRights: []string{"DELETE"}},
	}
}
