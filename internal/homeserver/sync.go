package homeserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

type wireEvents struct {
	Events []domain.RawEvent `json:"events"`
}

type wireRoom struct {
	State    wireEvents `json:"state"`
	Timeline wireEvents `json:"timeline"`
}

type wireSync struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join  map[id.RoomID]wireRoom `json:"join"`
		Leave map[id.RoomID]wireRoom `json:"leave"`
	} `json:"rooms"`
	ToDevice struct {
		Events []domain.ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceLists struct {
		Changed []id.UserID `json:"changed"`
	} `json:"device_lists"`
}

// Sync long-polls for the next batch of events after since.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (domain.SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}
	body, err := c.read(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return domain.SyncResponse{}, fmt.Errorf("homeserver: sync: %w", err)
	}
	var wire wireSync
	if err := decode(body, &wire, "sync"); err != nil {
		return domain.SyncResponse{}, err
	}

	out := domain.SyncResponse{
		NextBatch:          wire.NextBatch,
		ToDevice:           wire.ToDevice.Events,
		DeviceListsChanged: wire.DeviceLists.Changed,
	}
	if len(wire.Rooms.Join) > 0 {
		out.Joined = make(map[id.RoomID]domain.RoomTimeline, len(wire.Rooms.Join))
	}
	for roomID, room := range wire.Rooms.Join {
		out.Joined[roomID] = domain.RoomTimeline{
			State:  withRoomID(roomID, room.State.Events),
			Events: withRoomID(roomID, room.Timeline.Events),
		}
	}
	for roomID := range wire.Rooms.Leave {
		out.Left = append(out.Left, roomID)
	}
	slices.Sort(out.Left)
	return out, nil
}

// withRoomID fills the room id the sync format leaves implicit.
func withRoomID(roomID id.RoomID, events []domain.RawEvent) []domain.RawEvent {
	for i := range events {
		events[i].RoomID = roomID
	}
	return events
}

func sortUsers(users []id.UserID) { slices.Sort(users) }
