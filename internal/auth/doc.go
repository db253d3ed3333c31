// Package auth provides authentication and authorisation for Roadhawk Core.
//
// It implements a 3-tier operator role model (viewer → dispatcher → admin) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - JWT access tokens plus DB-backed refresh token rotation with
//     family-based theft detection
//   - Static role-permission mapping (compile-time, no database lookup)
//
// Operators are humans using the fleet console; dashcam units never hold
// operator credentials and authenticate on the device channels instead.
package auth
