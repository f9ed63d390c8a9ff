// Package middleware provides Gin middleware for the embedder's HTTP
// surface (C9, §4.9 of SPEC_FULL.md).
//
// # Admin authentication
//
// Admin-only endpoints (setup, instances, and shutdown without a valid
// X-App-Key) require
// either HTTP Basic credentials or a Bearer JWT minted by
// POST /api/authenticate, unless the client connects over loopback:
//
//	auth, err := middleware.NewAdminAuth(passwordFile, jwtSecretFile)
//	router.POST("/api/authenticate", auth.Authenticate)
//	admin := router.Group("/api")
//	admin.Use(auth.RequireAdmin())
//
// Passwords are hashed with Argon2id in a `salt$hex_hash` encoding (§6);
// JWTs are HS256, signed with $EMBEDDER_JWT_SECRET or a generated,
// persisted secret.
//
// # Request validation
//
// Validator bounds body size and request-shape limits before a handler
// ever sees the JSON:
//
//	v := middleware.NewDefaultValidator()
//	router.Use(v.BodySizeMiddleware())
//
// # Key files
//
//   - auth.go: admin Basic/JWT authentication
//   - validation.go: request body-size and shape validation
package middleware
