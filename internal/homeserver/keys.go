package homeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// UploadDeviceKeys publishes this device's signed keys.
func (c *Client) UploadDeviceKeys(ctx context.Context, keys domain.DeviceKeys) error {
	req := map[string]wireDeviceKeys{"device_keys": toWireDeviceKeys(keys)}
	if _, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", req); err != nil {
		return fmt.Errorf("homeserver: upload device keys: %w", err)
	}
	return nil
}

type wireQueryKeys struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]wireDeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]wireCrossSigningKey            `json:"master_keys"`
	SelfSigningKeys map[id.UserID]wireCrossSigningKey            `json:"self_signing_keys"`
}

// QueryKeys fetches the published device and cross-signing keys of users.
// Entries that cannot be parsed are skipped.
func (c *Client) QueryKeys(ctx context.Context, users []id.UserID) (domain.QueryKeysResponse, error) {
	req := struct {
		DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	}{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(users))}
	for _, u := range users {
		req.DeviceKeys[u] = []id.DeviceID{}
	}
	body, err := c.read(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", req, nil)
	if err != nil {
		return domain.QueryKeysResponse{}, fmt.Errorf("homeserver: query keys: %w", err)
	}
	var wire wireQueryKeys
	if err := decode(body, &wire, "keys/query"); err != nil {
		return domain.QueryKeysResponse{}, err
	}

	out := domain.QueryKeysResponse{
		DeviceKeys:      make(map[id.UserID]map[id.DeviceID]domain.DeviceKeys),
		MasterKeys:      make(map[id.UserID]domain.CrossSigningKey),
		SelfSigningKeys: make(map[id.UserID]domain.CrossSigningKey),
	}
	for user, devices := range wire.DeviceKeys {
		out.DeviceKeys[user] = make(map[id.DeviceID]domain.DeviceKeys, len(devices))
		for deviceID, w := range devices {
			k, err := fromWireDeviceKeys(w)
			if err != nil || k.UserID != user || k.DeviceID != deviceID {
				c.log.Warn().Err(err).Str("user_id", string(user)).Str("device_id", string(deviceID)).Msg("skipping malformed device keys")
				continue
			}
			out.DeviceKeys[user][deviceID] = k
		}
	}
	for user, w := range wire.MasterKeys {
		if k, err := fromWireCrossSigningKey(w); err == nil {
			out.MasterKeys[user] = k
		}
	}
	for user, w := range wire.SelfSigningKeys {
		if k, err := fromWireCrossSigningKey(w); err == nil {
			out.SelfSigningKeys[user] = k
		}
	}
	return out, nil
}

// SendToDevice delivers one content per addressed device under a fresh transaction id.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages domain.ToDeviceMessages) error {
	txnID := uuid.NewString()
	req := map[string]domain.ToDeviceMessages{"messages": messages}
	if _, err := c.write(ctx, http.MethodPut, "/_matrix/client/v3/sendToDevice/"+pathEscape(eventType)+"/"+txnID, req); err != nil {
		return fmt.Errorf("homeserver: send to-device %s: %w", eventType, err)
	}
	return nil
}

// UploadCrossSigningKeys publishes the cross-signing public keys. The server
// demands user-interactive auth; without it the error is *domain.UIAError.
func (c *Client) UploadCrossSigningKeys(ctx context.Context, keys domain.CrossSigningKeys, auth *domain.AuthData) error {
	req := struct {
		Master      wireCrossSigningKey `json:"master_key"`
		SelfSigning wireCrossSigningKey `json:"self_signing_key"`
		UserSigning wireCrossSigningKey `json:"user_signing_key"`
		Auth        *authPayload        `json:"auth,omitempty"`
	}{
		Master:      toWireCrossSigningKey(keys.Master),
		SelfSigning: toWireCrossSigningKey(keys.SelfSigning),
		UserSigning: toWireCrossSigningKey(keys.UserSigning),
		Auth:        newAuthPayload(auth),
	}
	body, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/keys/device_signing/upload", req)
	if err != nil {
		return fmt.Errorf("homeserver: upload cross-signing keys: %w", uiaChallenge(body, err))
	}
	return nil
}

// UploadSignatures publishes additional signatures over device keys.
func (c *Client) UploadSignatures(ctx context.Context, signed []domain.DeviceKeys) error {
	req := make(map[id.UserID]map[string]wireDeviceKeys)
	for _, k := range signed {
		if req[k.UserID] == nil {
			req[k.UserID] = make(map[string]wireDeviceKeys)
		}
		req[k.UserID][string(k.DeviceID)] = toWireDeviceKeys(k)
	}
	if _, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/keys/signatures/upload", req); err != nil {
		return fmt.Errorf("homeserver: upload signatures: %w", err)
	}
	return nil
}

func (c *Client) accountDataPath(eventType string) string {
	return "/_matrix/client/v3/user/" + pathEscape(string(c.userID)) + "/account_data/" + pathEscape(eventType)
}

// SetAccountData stores per-account data under eventType.
func (c *Client) SetAccountData(ctx context.Context, eventType string, content any) error {
	if _, err := c.write(ctx, http.MethodPut, c.accountDataPath(eventType), content); err != nil {
		return fmt.Errorf("homeserver: set account data %s: %w", eventType, err)
	}
	return nil
}

// GetAccountData returns stored account data or domain.ErrNotFound.
func (c *Client) GetAccountData(ctx context.Context, eventType string) (json.RawMessage, error) {
	body, err := c.read(ctx, http.MethodGet, c.accountDataPath(eventType), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: get account data %s: %w", eventType, err)
	}
	return json.RawMessage(body), nil
}

// authPayload is the "auth" object of a user-interactive request. The
// password identifier mirrors the login request.
type authPayload struct {
	Type       string           `json:"type"`
	Session    string           `json:"session,omitempty"`
	Identifier *loginIdentifier `json:"identifier,omitempty"`
	Password   string           `json:"password,omitempty"`
}

func newAuthPayload(a *domain.AuthData) *authPayload {
	if a == nil {
		return nil
	}
	p := &authPayload{Type: a.Type, Session: a.Session, Password: a.Password}
	if a.User != "" {
		p.Identifier = &loginIdentifier{Type: "m.id.user", User: a.User}
	}
	return p
}
