package auth

import "context"

// Roles recognised in bearer tokens.
const (
	RoleStoryteller = "storyteller"
	RoleElder       = "elder"
	RoleModerator   = "moderator"
	RoleAdmin       = "admin"
	RoleSite        = "site" // external destination reporting engagement
)

// Fine-grained capabilities gating API operations.
const (
	PermConsentRequest      = "syndication.consent.request"
	PermConsentDecide       = "syndication.consent.decide"
	PermConsentElderApprove = "syndication.consent.elder_approve"
	PermConsentWithdraw     = "syndication.consent.withdraw"
	PermDistributionManage  = "syndication.distribution.manage"
	PermModerationPulldown  = "syndication.moderation.pulldown"
	PermEngagementRecord    = "syndication.engagement.record"
	PermEngagementRead      = "syndication.engagement.read"
	PermAuditQuery          = "syndication.audit.query"
	PermAuditResolve        = "syndication.audit.resolve"
)

var rolePermissions = map[string][]string{
	RoleStoryteller: {
		PermConsentRequest,
		PermConsentWithdraw,
		PermEngagementRead,
	},
	RoleElder: {
		PermConsentDecide,
		PermConsentElderApprove,
		PermAuditQuery,
		PermEngagementRead,
	},
	RoleModerator: {
		PermConsentDecide,
		PermModerationPulldown,
		PermDistributionManage,
		PermAuditQuery,
		PermEngagementRead,
	},
	RoleAdmin: {
		PermConsentRequest,
		PermConsentDecide,
		PermConsentWithdraw,
		PermDistributionManage,
		PermModerationPulldown,
		PermEngagementRecord,
		PermEngagementRead,
		PermAuditQuery,
		PermAuditResolve,
	},
	RoleSite: {
		PermEngagementRecord,
	},
}

// HasPermission reports whether any role in the context grants the permission.
func HasPermission(ctx context.Context, perm string) bool {
	for _, role := range RolesFromContext(ctx) {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Require returns ErrUnauthorized unless the context carries the permission.
func Require(ctx context.Context, perm string) error {
	if !HasPermission(ctx, perm) {
		return ErrUnauthorized
	}
	return nil
}

// IsElder reports whether the acting principal carries the Elder role. Used
// by the consent ledger for the cultural-authority gate.
func IsElder(ctx context.Context) bool {
	return HasRole(ctx, RoleElder)
}
