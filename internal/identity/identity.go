// Package identity resolves the principal of a connection once, at handshake
// time, and carries it explicitly through every realtime operation.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceType identifies the kind of client a connection comes from.
type DeviceType string

const (
	DeviceWeb     DeviceType = "WEB"
	DeviceMobile  DeviceType = "MOBILE"
	DeviceDesktop DeviceType = "DESKTOP"
)

// ParseDeviceType normalizes a device string, defaulting to WEB.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToUpper(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile
	case DeviceDesktop:
		return DeviceDesktop
	default:
		return DeviceWeb
	}
}

// Principal is the authenticated identity attached to a connection.
// DeviceID is optional; clients that send one may hold several connections
// of the same device type, such as two browser tabs.
type Principal struct {
	WorkspaceID string
	UserID      int64
	DeviceType  DeviceType
	DeviceID    string
}

func (p Principal) String() string {
	if p.DeviceID != "" {
		return fmt.Sprintf("%s/%d/%s/%s", p.WorkspaceID, p.UserID, p.DeviceType, p.DeviceID)
	}
	return fmt.Sprintf("%s/%d/%s", p.WorkspaceID, p.UserID, p.DeviceType)
}

// Validate reports whether the principal can own realtime state.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return ErrMissingWorkspace
	}
	if p.UserID <= 0 {
		return ErrMissingUser
	}
	return nil
}

var (
	ErrMissingWorkspace = errors.New("identity: missing workspace")
	ErrMissingUser      = errors.New("identity: missing user")
	ErrInvalidToken     = errors.New("identity: invalid token")
)

// Resolver extracts the principal of an upgrade request.
type Resolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// HeaderResolver trusts identity headers set by an authenticating gateway in
// front of the service. Query parameters are accepted as a fallback because
// browsers cannot set headers on WebSocket upgrades.
type HeaderResolver struct{}

const (
	HeaderWorkspace = "X-Workspace-Id"
	HeaderUser      = "X-User-Id"
	HeaderDevice    = "X-Device-Type"
	HeaderDeviceID  = "X-Device-Id"
)

func (HeaderResolver) Resolve(r *http.Request) (Principal, error) {
	workspace := firstNonEmpty(r.Header.Get(HeaderWorkspace), r.URL.Query().Get("workspace"))
	user := firstNonEmpty(r.Header.Get(HeaderUser), r.URL.Query().Get("user"))
	device := firstNonEmpty(r.Header.Get(HeaderDevice), r.URL.Query().Get("device"))
	deviceID := firstNonEmpty(r.Header.Get(HeaderDeviceID), r.URL.Query().Get("deviceId"))

	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return Principal{}, ErrMissingUser
	}
	p := Principal{WorkspaceID: workspace, UserID: userID, DeviceType: ParseDeviceType(device), DeviceID: deviceID}
	return p, p.Validate()
}

// JWTResolver reads the principal from the claims of an HMAC-signed bearer
// token (Authorization header or "token" query parameter).
type JWTResolver struct {
	Secret []byte
}

func (j JWTResolver) Resolve(r *http.Request) (Principal, error) {
	raw := extractToken(r)
	if raw == "" {
		return Principal{}, ErrInvalidToken
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.Secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	p := Principal{
		WorkspaceID: claimString(claims, "workspace_id"),
		DeviceType:  ParseDeviceType(firstNonEmpty(claimString(claims, "device_type"), r.URL.Query().Get("device"))),
		DeviceID:    firstNonEmpty(claimString(claims, "device_id"), r.URL.Query().Get("deviceId")),
	}
	switch v := claims["user_id"].(type) {
	case float64:
		p.UserID = int64(v)
	case string:
		p.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	return p, p.Validate()
}

func extractToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func claimString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
