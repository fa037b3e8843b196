package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
)

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	Repair bool
}

// RoomRebuild is the rebuild outcome of one room.
type RoomRebuild struct {
	RoomID               pdu.RoomID    `json:"room_id"`
	Events               int           `json:"events"`
	Clean                bool          `json:"clean"`
	StateMismatches      []pdu.EventID `json:"state_mismatches,omitempty"`
	ExtremitiesMismatch  bool          `json:"extremities_mismatch"`
	CurrentStateMismatch bool          `json:"current_state_mismatch"`
	Repaired             bool          `json:"repaired"`
}

// RebuildResult holds the outcome over all rebuilt rooms.
type RebuildResult struct {
	Rooms   []RoomRebuild `json:"rooms"`
	Drifted int           `json:"drifted"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild [room_id]",
		Short: "Recompute room state from the stored event graph",
		Long: `Replay every stored event of a room (or of all rooms) in stream order,
recomputing the state after each event, the forward extremities and the
current state, and compare the result with the stored records.

Exit codes:
  0 - Stored state matches (or was repaired with --repair)
  1 - Drift found
  2 - Command error (bad config, unknown room, database unavailable)

Examples:
  roomgraph rebuild
  roomgraph rebuild '!abc:example.org'
  roomgraph rebuild --repair`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "overwrite drifted records with the recomputed state")

	return cmd
}

func runRebuild(cmd *cobra.Command, opts *RebuildOptions, args []string) error {
	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var rooms []pdu.RoomID
	if len(args) == 1 {
		room, err := pdu.ParseRoomID(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid room ID", err)
		}
		rooms = append(rooms, room)
	} else {
		infos, err := rt.store.Rooms(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list rooms", err)
		}
		for _, info := range infos {
			rooms = append(rooms, info.RoomID)
		}
	}

	result := RebuildResult{Rooms: make([]RoomRebuild, 0, len(rooms))}
	for _, room := range rooms {
		out.VerboseLog("rebuilding %s", room)
		report, err := rt.cache.Rebuild(ctx, rt.store, room, opts.Repair)
		if err != nil {
			if statecache.IsNotFound(err) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("room %s not found", room), err)
			}
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to rebuild %s", room), err)
		}
		rr := RoomRebuild{
			RoomID:               report.RoomID,
			Events:               report.Events,
			Clean:                report.Clean(),
			StateMismatches:      report.StateMismatches,
			ExtremitiesMismatch:  report.ExtremitiesMismatch,
			CurrentStateMismatch: report.CurrentStateMismatch,
			Repaired:             report.Repaired,
		}
		if !rr.Clean && !rr.Repaired {
			result.Drifted++
		}
		result.Rooms = append(result.Rooms, rr)
	}

	if err := out.Success(&result); err != nil {
		return err
	}
	if result.Drifted > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d room(s) drifted from the event graph", result.Drifted))
	}
	return nil
}

// WriteText prints one line per room.
func (r *RebuildResult) WriteText(w io.Writer) error {
	if len(r.Rooms) == 0 {
		_, err := fmt.Fprintln(w, "No rooms stored.")
		return err
	}
	for _, room := range r.Rooms {
		switch {
		case room.Clean:
			fmt.Fprintf(w, "✓ %s (%d events)\n", room.RoomID, room.Events)
		case room.Repaired:
			fmt.Fprintf(w, "✓ %s (%d events, repaired)\n", room.RoomID, room.Events)
		default:
			fmt.Fprintf(w, "✗ %s (%d events)\n", room.RoomID, room.Events)
		}
		if room.Clean {
			continue
		}
		for _, id := range room.StateMismatches {
			fmt.Fprintf(w, "  state after %s differs\n", id)
		}
		if room.ExtremitiesMismatch {
			fmt.Fprintln(w, "  forward extremities differ")
		}
		if room.CurrentStateMismatch {
			fmt.Fprintln(w, "  current state differs")
		}
	}
	return nil
}
