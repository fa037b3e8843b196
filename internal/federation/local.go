package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/roomgraph/internal/auth"
	"github.com/roach88/roomgraph/internal/pdu"
)

// LocalEvent describes an event a local user sends.
type LocalEvent struct {
	RoomID   pdu.RoomID
	Sender   pdu.UserID
	Type     string
	StateKey *string
	Content  any
	Redacts  *pdu.EventID
}

// Send builds, signs and persists a local event. prev_events are the
// room's forward extremities, auth_events come from the current state. A
// rejected local event is stored like a remote one and reported as an
// *IntakeError.
func (p *Pipeline) Send(ctx context.Context, le LocalEvent) (*pdu.Event, error) {
	if le.Sender.Server() != p.server {
		return nil, fmt.Errorf("send: sender %s is not local to %s", le.Sender, p.server)
	}

	unlock, err := p.locks.lock(ctx, le.RoomID)
	if err != nil {
		return nil, fmt.Errorf("send: wait for room lock: %w", err)
	}
	ev, err := p.buildLocal(ctx, le)
	if err != nil {
		unlock()
		return nil, err
	}
	out, err := p.persist(ctx, ev)
	unlock()

	if out.Stage == StagePersisted || out.Stage == StageRejected {
		p.wake(ctx, ev.EventID)
	}
	return ev, err
}

// buildLocal must be called with the room lock held.
func (p *Pipeline) buildLocal(ctx context.Context, le LocalEvent) (*pdu.Event, error) {
	version, err := p.store.RoomVersion(ctx, le.RoomID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	rules := pdu.MustLookupRoomVersion(version)

	extremities, err := p.store.ForwardExtremities(ctx, le.RoomID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if len(extremities) > pdu.MaxPrevEvents {
		extremities = extremities[:pdu.MaxPrevEvents]
	}
	prevs, err := p.store.GetEvents(ctx, extremities)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	var depth int64
	for _, ev := range prevs {
		depth = max(depth, ev.Depth)
	}

	current, err := p.cache.Current(ctx, le.RoomID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	content, err := json.Marshal(le.Content)
	if err != nil {
		return nil, fmt.Errorf("send: encode content: %w", err)
	}
	authIDs := auth.SelectAuthEvents(auth.AuthTypes(le.Type, le.StateKey, le.Sender.String(), content, rules), current)

	ev, err := pdu.Builder{
		RoomID:         le.RoomID,
		Sender:         le.Sender,
		Type:           le.Type,
		StateKey:       le.StateKey,
		Content:        json.RawMessage(content),
		PrevEvents:     extremities,
		AuthEvents:     authIDs,
		Depth:          depth + 1,
		OriginServerTS: p.clock.Now().UnixMilli(),
		Redacts:        le.Redacts,
	}.Build(p.key, version)
	if err != nil {
		return nil, fmt.Errorf("send: build: %w", err)
	}
	return ev, nil
}

// CreateRoomOptions configures CreateRoom.
type CreateRoomOptions struct {
	Version  pdu.RoomVersion
	JoinRule string
	// Users grants power levels beyond the creator's.
	Users map[string]int64
}

// CreateRoom creates a room owned by creator: the create event, the
// creator's join, power levels and join rules.
func (p *Pipeline) CreateRoom(ctx context.Context, creator pdu.UserID, opts CreateRoomOptions) (pdu.RoomID, error) {
	if creator.Server() != p.server {
		return pdu.RoomID{}, fmt.Errorf("create room: creator %s is not local to %s", creator, p.server)
	}
	if opts.Version == "" {
		opts.Version = pdu.DefaultRoomVersion
	}
	rules, err := pdu.LookupRoomVersion(string(opts.Version))
	if err != nil {
		return pdu.RoomID{}, fmt.Errorf("create room: %w", err)
	}
	if opts.JoinRule == "" {
		opts.JoinRule = pdu.JoinRuleInvite
	}

	localpart := strings.ReplaceAll(p.ids.Generate(), "-", "")
	room, err := pdu.ParseRoomID("!" + localpart + ":" + p.server.String())
	if err != nil {
		return pdu.RoomID{}, fmt.Errorf("create room: %w", err)
	}

	content := map[string]any{"room_version": string(rules.Version)}
	if !rules.CreatorFromSender {
		content["creator"] = creator.String()
	}
	create, err := pdu.Builder{
		RoomID:         room,
		Sender:         creator,
		Type:           pdu.TypeCreate,
		StateKey:       pdu.StateKeyPtr(""),
		Content:        content,
		Depth:          1,
		OriginServerTS: p.clock.Now().UnixMilli(),
	}.Build(p.key, rules.Version)
	if err != nil {
		return pdu.RoomID{}, fmt.Errorf("create room: %w", err)
	}
	if _, err := p.commitLocked(ctx, create); err != nil {
		return pdu.RoomID{}, fmt.Errorf("create room: %w", err)
	}

	users := map[string]any{creator.String(): pdu.DefaultCreatorLevel}
	for u, l := range opts.Users {
		users[u] = l
	}
	steps := []LocalEvent{
		{Type: pdu.TypeMember, StateKey: pdu.StateKeyPtr(creator.String()), Content: map[string]any{"membership": pdu.MembershipJoin}},
		{Type: pdu.TypePowerLevels, StateKey: pdu.StateKeyPtr(""), Content: map[string]any{
			"users":          users,
			"users_default":  0,
			"events_default": 0,
			"state_default":  50,
			"ban":            50,
			"kick":           50,
			"redact":         50,
			"invite":         0,
		}},
		{Type: pdu.TypeJoinRules, StateKey: pdu.StateKeyPtr(""), Content: map[string]any{"join_rule": opts.JoinRule}},
	}
	for _, step := range steps {
		step.RoomID = room
		step.Sender = creator
		if _, err := p.Send(ctx, step); err != nil {
			return pdu.RoomID{}, fmt.Errorf("create room: %s: %w", step.Type, err)
		}
	}

	p.logger.Info("room created", "room_id", room.String(), "version", string(rules.Version))
	return room, nil
}
