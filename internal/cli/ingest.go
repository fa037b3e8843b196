package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/roach88/roomgraph/internal/federation"
	"github.com/roach88/roomgraph/internal/pdu"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Origin string
	Retry  bool
}

// PDUOutcome is the result of one ingested PDU. Key is the event ID, or
// "#<index>" into the input when no ID could be computed.
type PDUOutcome struct {
	Key   string           `json:"key"`
	Stage federation.Stage `json:"stage"`
	Error string           `json:"error,omitempty"`
}

// IngestResult summarises an ingest run.
type IngestResult struct {
	Origin  string                   `json:"origin"`
	Total   int                      `json:"total"`
	Counts  map[federation.Stage]int `json:"counts"`
	PDUs    []PDUOutcome             `json:"pdus"`
	Retry   *federation.RetryReport  `json:"retry,omitempty"`
	Pending int                      `json:"pending"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Feed remote PDUs through the intake pipeline",
		Long: `Read PDUs from a file (or stdin) and run them through federation intake:
signature and hash checks, ancestor fetching from configured peers,
authorization and state resolution.

Accepted input:
  - a federation transaction object {"origin": ..., "pdus": [...]}
  - a JSON array of PDUs
  - one PDU per line

PDUs are processed in transactions of at most 50. Events still waiting for
ancestors are only kept for the lifetime of the command; --retry makes one
more pass over them before exiting.

Exit codes:
  0 - Input processed (individual events may still be rejected)
  1 - One or more PDUs were malformed or failed
  2 - Command error (bad config, unreadable input, store failure)

Examples:
  roomgraph ingest txn.json
  roomgraph ingest --origin remote.example pdus.jsonl
  cat pdus.jsonl | roomgraph ingest --origin remote.example --retry`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return runIngest(cmd, opts, path)
		},
	}

	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin server of the PDUs (defaults to the transaction origin)")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "retry pending events once before exiting")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions, path string) error {
	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}
	txnOrigin, pdus, err := splitPDUs(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid input", err)
	}

	originName := opts.Origin
	if originName == "" {
		originName = txnOrigin
	}
	if originName == "" {
		return NewExitError(ExitCommandError, "origin unknown: pass --origin or use a transaction with an origin")
	}
	origin, err := pdu.ParseServerName(originName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid origin", err)
	}

	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.pipeline()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	result, err := ingest(ctx, p, origin, pdus)
	if err != nil {
		return WrapExitError(ExitCommandError, "ingest aborted", err)
	}

	if opts.Retry {
		report, err := p.RetryPending(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "retry aborted", err)
		}
		result.Retry = &report
	}
	result.Pending = p.PendingCount()

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err := out.Success(result); err != nil {
		return err
	}
	if result.Counts[federation.StageMalformed] > 0 || result.Counts[federation.StageFailed] > 0 {
		return NewExitError(ExitFailure, "some PDUs could not be processed")
	}
	return nil
}

// ingest runs pdus through the pipeline in transaction-sized chunks.
func ingest(ctx context.Context, p *federation.Pipeline, origin pdu.ServerName, pdus []json.RawMessage) (*IngestResult, error) {
	result := &IngestResult{
		Origin: origin.String(),
		Total:  len(pdus),
		Counts: make(map[federation.Stage]int),
		PDUs:   make([]PDUOutcome, 0, len(pdus)),
	}
	for start := 0; start < len(pdus); start += federation.MaxTransactionPDUs {
		end := min(start+federation.MaxTransactionPDUs, len(pdus))
		txn, err := p.HandleTransaction(ctx, origin, pdus[start:end])
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(txn.PDUs))
		for k := range txn.PDUs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r := txn.PDUs[k]
			key := k
			if idx, ok := strings.CutPrefix(k, "#"); ok {
				var i int
				if _, err := fmt.Sscan(idx, &i); err == nil {
					key = fmt.Sprintf("#%d", start+i)
				}
			}
			result.PDUs = append(result.PDUs, PDUOutcome{Key: key, Stage: r.Stage, Error: r.Error})
			result.Counts[r.Stage]++
		}
	}
	return result, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// splitPDUs accepts a transaction object, a JSON array or JSON lines. Lines
// are passed through unparsed so malformed ones are reported per PDU.
func splitPDUs(data []byte) (string, []json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, errors.New("no PDUs in input")
	}

	var origin string
	var pdus []json.RawMessage
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		switch {
		case root.IsArray():
			for _, item := range root.Array() {
				pdus = append(pdus, json.RawMessage(item.Raw))
			}
		case root.IsObject() && root.Get("pdus").IsArray():
			origin = root.Get("origin").String()
			for _, item := range root.Get("pdus").Array() {
				pdus = append(pdus, json.RawMessage(item.Raw))
			}
		default:
			pdus = append(pdus, json.RawMessage(data))
		}
	} else {
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			pdus = append(pdus, json.RawMessage(line))
		}
	}
	if len(pdus) == 0 {
		return "", nil, errors.New("no PDUs in input")
	}
	return origin, pdus, nil
}

// WriteText prints one line per PDU and a summary.
func (r *IngestResult) WriteText(w io.Writer) error {
	for _, o := range r.PDUs {
		mark := "✓"
		if o.Stage != federation.StagePersisted {
			mark = "✗"
		}
		if o.Error != "" {
			fmt.Fprintf(w, "%s %s %s: %s\n", mark, o.Key, o.Stage, o.Error)
		} else {
			fmt.Fprintf(w, "%s %s %s\n", mark, o.Key, o.Stage)
		}
	}
	if r.Retry != nil {
		fmt.Fprintf(w, "Retry: %d retried, %d persisted, %d expired\n", r.Retry.Retried, r.Retry.Persisted, len(r.Retry.Expired))
	}

	stages := make([]string, 0, len(r.Counts))
	for s := range r.Counts {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		parts = append(parts, fmt.Sprintf("%d %s", r.Counts[federation.Stage(s)], s))
	}
	_, err := fmt.Fprintf(w, "\n%d PDUs from %s: %s; %d pending\n", r.Total, r.Origin, strings.Join(parts, ", "), r.Pending)
	return err
}
