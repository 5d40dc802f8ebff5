package homeserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	DeviceID                 id.DeviceID     `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// Login authenticates with username and password. Rejected credentials
// match domain.ErrAuthFailure and are never retried.
func (c *Client) Login(ctx context.Context, req domain.LoginRequest) (domain.Credentials, error) {
	if req.Username == "" || req.Password == "" {
		return domain.Credentials{}, fmt.Errorf("homeserver: username and password are required: %w", domain.ErrAuthFailure)
	}
	body, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/login", loginRequest{
		Type:                     "m.login.password",
		Identifier:               loginIdentifier{Type: "m.id.user", User: req.Username},
		Password:                 req.Password,
		DeviceID:                 req.DeviceID,
		InitialDeviceDisplayName: req.DisplayName,
	})
	if err != nil {
		var matrixErr *MatrixError
		if errors.As(err, &matrixErr) && (matrixErr.StatusCode == http.StatusUnauthorized || matrixErr.StatusCode == http.StatusForbidden) {
			return domain.Credentials{}, fmt.Errorf("homeserver: login: %w: %w", domain.ErrAuthFailure, err)
		}
		return domain.Credentials{}, fmt.Errorf("homeserver: login: %w", err)
	}

	var creds domain.Credentials
	if err := decode(body, &creds, "login"); err != nil {
		return domain.Credentials{}, err
	}
	if creds.AccessToken == "" || creds.UserID == "" || creds.DeviceID == "" {
		return domain.Credentials{}, fmt.Errorf("homeserver: login response incomplete")
	}
	c.log.Info().Str("user_id", string(creds.UserID)).Str("device_id", string(creds.DeviceID)).Msg("logged in")
	return creds, nil
}

// uiaChallenge turns a 401 user-interactive auth response into *domain.UIAError.
func uiaChallenge(body []byte, err error) error {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusUnauthorized {
		return err
	}
	var resp struct {
		Session string `json:"session"`
		Flows   []struct {
			Stages []string `json:"stages"`
		} `json:"flows"`
	}
	if decode(body, &resp, "user-interactive auth") != nil || resp.Session == "" {
		return err
	}
	uia := &domain.UIAError{Session: resp.Session}
	for _, f := range resp.Flows {
		uia.Flows = append(uia.Flows, f.Stages...)
	}
	return uia
}
