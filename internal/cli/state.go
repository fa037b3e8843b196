package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	At string
}

// RoomSummary describes one stored room.
type RoomSummary struct {
	RoomID        pdu.RoomID      `json:"room_id"`
	Version       pdu.RoomVersion `json:"room_version"`
	CreateEventID pdu.EventID     `json:"create_event_id"`
	Events        int             `json:"events"`
}

// RoomList is the output of state without a room.
type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

// RoomState is the resolved state of a room, either current or after one
// event.
type RoomState struct {
	RoomID      pdu.RoomID       `json:"room_id"`
	At          string           `json:"at,omitempty"`
	Extremities []pdu.EventID    `json:"forward_extremities,omitempty"`
	State       []pdu.StateEntry `json:"state"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state [room_id]",
		Short: "Show resolved room state",
		Long: `Show the resolved current state of a room and its forward extremities.
With --at, show the state after the given event instead. Without a room,
list the stored rooms.

Examples:
  roomgraph state
  roomgraph state '!abc:example.org'
  roomgraph state '!abc:example.org' --at '$ev' --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "event ID to show the state after")

	return cmd
}

func runState(cmd *cobra.Command, opts *StateOptions, args []string) error {
	if len(args) == 0 && opts.At != "" {
		return NewExitError(ExitCommandError, "--at requires a room ID")
	}

	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if len(args) == 0 {
		rooms, err := rt.store.Rooms(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list rooms", err)
		}
		list := RoomList{Rooms: make([]RoomSummary, 0, len(rooms))}
		for _, r := range rooms {
			list.Rooms = append(list.Rooms, RoomSummary{
				RoomID:        r.RoomID,
				Version:       r.Version,
				CreateEventID: r.CreateEventID,
				Events:        r.EventCount,
			})
		}
		return out.Success(&list)
	}

	room, err := pdu.ParseRoomID(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid room ID", err)
	}
	result := RoomState{RoomID: room}

	var state pdu.StateMap
	if opts.At != "" {
		id, err := pdu.ParseEventID(opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid event ID", err)
		}
		ev, err := rt.store.GetEvent(ctx, id)
		if err != nil {
			return notFoundOr(err, fmt.Sprintf("event %s", id))
		}
		if ev.RoomID != room {
			return NewExitError(ExitCommandError, fmt.Sprintf("event %s belongs to %s", id, ev.RoomID))
		}
		state, err = rt.cache.StateAfter(ctx, id)
		if err != nil {
			return notFoundOr(err, fmt.Sprintf("state after %s", id))
		}
		result.At = id.String()
	} else {
		state, err = rt.cache.Current(ctx, room)
		if err != nil {
			return notFoundOr(err, fmt.Sprintf("room %s", room))
		}
		result.Extremities, err = rt.store.ForwardExtremities(ctx, room)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read forward extremities", err)
		}
	}
	result.State = state.Entries()
	return out.Success(&result)
}

func notFoundOr(err error, what string) error {
	if statecache.IsNotFound(err) {
		return WrapExitError(ExitFailure, what+" not found", err)
	}
	return WrapExitError(ExitCommandError, "failed to read "+what, err)
}

// WriteText prints the room table.
func (l *RoomList) WriteText(w io.Writer) error {
	if len(l.Rooms) == 0 {
		_, err := fmt.Fprintln(w, "No rooms stored.")
		return err
	}
	for _, r := range l.Rooms {
		fmt.Fprintf(w, "%s  v%s  %d events  create %s\n", r.RoomID, r.Version, r.Events, r.CreateEventID)
	}
	return nil
}

// WriteText prints one state entry per line.
func (s *RoomState) WriteText(w io.Writer) error {
	if s.At != "" {
		fmt.Fprintf(w, "State of %s after %s\n", s.RoomID, s.At)
	} else {
		fmt.Fprintf(w, "State of %s\n", s.RoomID)
		for _, id := range s.Extremities {
			fmt.Fprintf(w, "  extremity %s\n", id)
		}
	}
	for _, e := range s.State {
		fmt.Fprintf(w, "  %s|%s  %s\n", e.Type, e.StateKey, e.EventID)
	}
	return nil
}
