package homeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

func roomPath(roomID id.RoomID, rest string) string {
	return "/_matrix/client/v3/rooms/" + pathEscape(string(roomID)) + rest
}

// GetRoomState returns the content of a state event, or domain.ErrNotFound.
func (c *Client) GetRoomState(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	body, err := c.read(ctx, http.MethodGet, roomPath(roomID, "/state/"+pathEscape(eventType)+"/"+pathEscape(stateKey)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: get %s state in %s: %w", eventType, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetRoomState writes a state event.
func (c *Client) SetRoomState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	body, err := c.write(ctx, http.MethodPut, roomPath(roomID, "/state/"+pathEscape(eventType)+"/"+pathEscape(stateKey)), content)
	if err != nil {
		return "", fmt.Errorf("homeserver: set %s state in %s: %w", eventType, roomID, err)
	}
	return eventIDFrom(body)
}

// SendEvent sends a timeline event under a fresh transaction id.
func (c *Client) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	txnID := uuid.NewString()
	body, err := c.write(ctx, http.MethodPut, roomPath(roomID, "/send/"+pathEscape(eventType)+"/"+txnID), content)
	if err != nil {
		return "", fmt.Errorf("homeserver: send %s to %s: %w", eventType, roomID, err)
	}
	return eventIDFrom(body)
}

// InviteUser invites userID into roomID.
func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.write(ctx, http.MethodPost, roomPath(roomID, "/invite"), map[string]id.UserID{"user_id": userID})
	if err != nil {
		return fmt.Errorf("homeserver: invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// JoinRoom joins a room by id or alias and returns its id.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	body, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/join/"+pathEscape(roomIDOrAlias), struct{}{})
	if err != nil {
		return "", fmt.Errorf("homeserver: join %s: %w", roomIDOrAlias, err)
	}
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	if err := decode(body, &resp, "join"); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// LeaveRoom leaves roomID.
func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.write(ctx, http.MethodPost, roomPath(roomID, "/leave"), struct{}{}); err != nil {
		return fmt.Errorf("homeserver: leave %s: %w", roomID, err)
	}
	return nil
}

type initialStateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// CreateRoom creates a room, optionally with encryption enabled from the start.
func (c *Client) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (id.RoomID, error) {
	payload := struct {
		domain.CreateRoomRequest
		InitialState []initialStateEvent `json:"initial_state,omitempty"`
	}{CreateRoomRequest: req}
	if req.Encrypted {
		payload.InitialState = append(payload.InitialState, initialStateEvent{
			Type:    event.StateEncryption.Type,
			Content: event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1},
		})
	}
	body, err := c.write(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", payload)
	if err != nil {
		return "", fmt.Errorf("homeserver: create room: %w", err)
	}
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	if err := decode(body, &resp, "createRoom"); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// JoinedRooms lists the rooms the account is joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	body, err := c.read(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: joined rooms: %w", err)
	}
	var resp struct {
		JoinedRooms []id.RoomID `json:"joined_rooms"`
	}
	if err := decode(body, &resp, "joined_rooms"); err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

// JoinedMembers lists the users currently joined to roomID.
func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	body, err := c.read(ctx, http.MethodGet, roomPath(roomID, "/joined_members"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: joined members of %s: %w", roomID, err)
	}
	var resp struct {
		Joined map[id.UserID]json.RawMessage `json:"joined"`
	}
	if err := decode(body, &resp, "joined_members"); err != nil {
		return nil, err
	}
	out := make([]id.UserID, 0, len(resp.Joined))
	for user := range resp.Joined {
		out = append(out, user)
	}
	sortUsers(out)
	return out, nil
}

func eventIDFrom(body []byte) (id.EventID, error) {
	var resp struct {
		EventID id.EventID `json:"event_id"`
	}
	if err := decode(body, &resp, "send"); err != nil {
		return "", err
	}
	return resp.EventID, nil
}
