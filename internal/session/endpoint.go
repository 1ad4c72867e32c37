package session

import (
	"fmt"
	"net/url"
	"strings"

	"carelink/internal/core/domain"
	"carelink/pkg/utils"
)

// ResolveEndpoint builds the websocket address of a room on the relay. http
// and https bases are mapped to ws and wss.
func ResolveEndpoint(base, room, token string) (string, error) {
	if !utils.ValidRoomToken(room) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRoomToken, room)
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("signaling url %q has no host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/telehealth/" + room + "/"
	u.RawPath = ""
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}
