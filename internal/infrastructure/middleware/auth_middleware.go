package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid room token")
	ErrExpiredToken = errors.New("room token expired")
	ErrWrongRoom    = errors.New("room token not valid for this room")
)

// Context keys set by RoomTokenMiddleware.
const (
	ContextParticipantName = "participant_name"
	ContextRoom            = "room"
)

// RoomClaims admit the bearer to exactly one room.
type RoomClaims struct {
	Room string `json:"room"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NewRoomToken issues an HS256 token for room.
func NewRoomToken(secret []byte, room, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RoomClaims{
		Room: room,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ValidateRoomToken(secret []byte, tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*RoomClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RoomTokenMiddleware checks the `token` query parameter (or a bearer header)
// against the `:room` route parameter. With an empty secret every request
// passes, and the token is treated as opaque.
func RoomTokenMiddleware(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	key := []byte(secret)

	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if parts := strings.Split(c.GetHeader("Authorization"), " "); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "room token required"})
			return
		}

		claims, err := ValidateRoomToken(key, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if claims.Room != c.Param("room") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrWrongRoom.Error()})
			return
		}

		c.Set(ContextRoom, claims.Room)
		if claims.Name != "" {
			c.Set(ContextParticipantName, claims.Name)
		}
		c.Next()
	}
}
