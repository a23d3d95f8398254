// Package auth provides authentication and authorization for a multi tenant
// hotel platform: password login, short lived access tokens, rotating
// refresh token families, permission checks, operator impersonation and
// identity lifecycle.
//
// Identities:
//   - An Identity is either platform staff (no tenant) or tenant staff bound
//     to exactly one Tenant. Grants come from role assignments and are read
//     fresh on every login and refresh, never cached in the refresh family.
//   - Auther is the orchestrator. Login, Refresh, Logout, ChangePassword and
//     ResetPassword each write inside a single store transaction so a failure
//     never leaves a half issued session behind. bcrypt work happens before
//     the transaction opens and the credential is read again inside it.
//
// Refresh families:
//   - Every login starts a RefreshTokenFamily. Each rotation marks the
//     presented token rotated and issues its successor. Presenting a rotated
//     token again is treated as theft and revokes the whole family.
//   - Only a keyed hash of each secret is stored. Secrets embed the tenant
//     they were issued for.
//
// Impersonation:
//   - Platform operators holding PermissionImpersonationStart may act as a
//     tenant identity. The actor keeps their own family; the impersonation
//     family is a child of it and is revoked when the session stops or the
//     actor loses access.
//
// Lifecycle and audit:
//   - IdentityLifecycle moves identities between active and inactive with
//     TransitionHook extension points. Deactivation revokes every family.
//   - ActivitySink receives login, refresh, impersonation and lifecycle
//     events. Sinks run best effort so auditing never blocks authentication.
package auth
