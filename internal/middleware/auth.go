package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

const (
	adminRealm        = `Basic realm="Embedder Admin"`
	jwtIssuer         = "embedder"
	jwtTTL            = 24 * time.Hour
	argon2Time        = 1
	argon2MemoryKiB   = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
)

// AdminAuth verifies the admin password and issues/validates JWTs for the
// admin-only endpoints (§4.9/§6/§7 of SPEC_FULL.md). Non-loopback clients
// must present either HTTP Basic credentials or a Bearer JWT obtained from
// POST /api/authenticate.
type AdminAuth struct {
	passwordFile string
	jwtSecret    []byte
}

// NewAdminAuth resolves the JWT signing secret from $EMBEDDER_JWT_SECRET,
// else from secretFile, else generates one and persists it to secretFile
// (§6 "Optional JWT secret"). passwordFile is only recorded here; it is
// read by VerifyPassword and written by SetPassword.
func NewAdminAuth(passwordFile, secretFile string) (*AdminAuth, error) {
	a := &AdminAuth{passwordFile: passwordFile}

	if secret := os.Getenv("EMBEDDER_JWT_SECRET"); secret != "" {
		a.jwtSecret = []byte(secret)
		return a, nil
	}
	if data, err := os.ReadFile(secretFile); err == nil && len(data) > 0 {
		a.jwtSecret = data
		return a, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("middleware: generate jwt secret: %w", err)
	}
	if err := os.WriteFile(secretFile, secret, 0o600); err != nil {
		return nil, fmt.Errorf("middleware: persist jwt secret: %w", err)
	}
	a.jwtSecret = secret
	return a, nil
}

// HasPassword reports whether an admin password has been set.
func (a *AdminAuth) HasPassword() bool {
	_, err := os.Stat(a.passwordFile)
	return err == nil
}

// SetPassword hashes and persists pass, overwriting any existing password
// file with owner-only permissions on POSIX (§6 ".admin_password").
func (a *AdminAuth) SetPassword(pass string) error {
	if override := os.Getenv("EMBEDDER_ADMIN_PASSWORD"); override != "" {
		pass = override
	}
	encoded, err := hashPassword(pass)
	if err != nil {
		return err
	}
	return os.WriteFile(a.passwordFile, []byte(encoded), 0o600)
}

// VerifyPassword checks pass against the persisted hash ($EMBEDDER_ADMIN_PASSWORD,
// when set, always takes precedence).
func (a *AdminAuth) VerifyPassword(pass string) bool {
	if override := os.Getenv("EMBEDDER_ADMIN_PASSWORD"); override != "" {
		return subtle.ConstantTimeCompare([]byte(pass), []byte(override)) == 1
	}
	stored, err := os.ReadFile(a.passwordFile)
	if err != nil {
		return false
	}
	return verifyPassword(pass, strings.TrimSpace(string(stored)))
}

// hashPassword derives a salt$hex_hash encoding via Argon2id (§6 ".admin_password"
// format; algorithm choice follows the teacher's user_service.go password hashing).
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2MemoryKiB, argon2Parallelism, argon2KeyLen)
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(hash), nil
}

func verifyPassword(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2MemoryKiB, argon2Parallelism, argon2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// IssueToken mints a Bearer JWT for a successfully Basic-authenticated
// client (POST /api/authenticate).
func (a *AdminAuth) IssueToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    jwtIssuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *AdminAuth) verifyToken(raw string) bool {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	return err == nil && token.Valid
}

// Authenticate handles POST /api/authenticate: Basic creds in, Bearer token
// out.
func (a *AdminAuth) Authenticate(c *gin.Context) {
	_, pass, ok := c.Request.BasicAuth()
	if !ok || !a.VerifyPassword(pass) {
		c.Header("WWW-Authenticate", adminRealm)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := a.IssueToken()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// RequireAdmin gates non-loopback requests behind HTTP Basic or Bearer JWT
// (§4.9/§7 "Auth failure: 401 with WWW-Authenticate: Basic ...").
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		switch {
		case strings.HasPrefix(header, "Bearer "):
			if a.verifyToken(strings.TrimPrefix(header, "Bearer ")) {
				c.Next()
				return
			}
		case strings.HasPrefix(header, "Basic "):
			if _, pass, ok := c.Request.BasicAuth(); ok && a.VerifyPassword(pass) {
				c.Next()
				return
			}
		}
		c.Header("WWW-Authenticate", adminRealm)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ShutdownKeyOrAdmin allows POST /api/shutdown through on either a correct
// X-App-Key header or full admin auth (§4.9 shutdown contract).
func (a *AdminAuth) ShutdownKeyOrAdmin(appKey string) gin.HandlerFunc {
	admin := a.RequireAdmin()
	return func(c *gin.Context) {
		if appKey != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader("X-App-Key")), []byte(appKey)) == 1 {
			c.Next()
			return
		}
		admin(c)
	}
}
