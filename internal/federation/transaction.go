package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/roomgraph/internal/pdu"
)

// MaxTransactionPDUs is the largest number of PDUs accepted in one
// transaction.
const MaxTransactionPDUs = 50

// PDUResult is the per-event answer to a transaction. Error is empty for
// events that persisted or were already stored.
type PDUResult struct {
	Stage Stage  `json:"stage"`
	Error string `json:"error,omitempty"`
}

// TransactionResult answers a transaction. PDUs is keyed by event ID, or by
// "#<index>" for events whose ID could not be computed.
type TransactionResult struct {
	TxnID  string               `json:"txn_id"`
	Origin pdu.ServerName       `json:"origin"`
	PDUs   map[string]PDUResult `json:"pdus"`
}

// HandleTransaction processes a batch of PDUs from origin. Events of one
// room run in the order given; rooms run in parallel. A store failure
// aborts the transaction with an error so the remote retries it whole.
func (p *Pipeline) HandleTransaction(ctx context.Context, origin pdu.ServerName, pdus []json.RawMessage) (TransactionResult, error) {
	if len(pdus) > MaxTransactionPDUs {
		return TransactionResult{}, fmt.Errorf("transaction from %s has %d PDUs, limit is %d", origin, len(pdus), MaxTransactionPDUs)
	}
	res := TransactionResult{
		TxnID:  p.ids.Generate(),
		Origin: origin,
		PDUs:   make(map[string]PDUResult, len(pdus)),
	}

	type item struct {
		index int
		raw   json.RawMessage
	}
	var rooms []string
	byRoom := make(map[string][]item)
	for i, raw := range pdus {
		room := gjson.GetBytes(raw, "room_id").String()
		if _, ok := byRoom[room]; !ok {
			rooms = append(rooms, room)
		}
		byRoom[room] = append(byRoom[room], item{index: i, raw: raw})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, room := range rooms {
		items := byRoom[room]
		g.Go(func() error {
			for _, it := range items {
				out, err := p.Process(gctx, origin, it.raw)
				if IsStoreFailure(err) || (err != nil && gctx.Err() != nil) {
					return err
				}

				key := fmt.Sprintf("#%d", it.index)
				if !out.EventID.IsZero() {
					key = out.EventID.String()
				}
				r := PDUResult{Stage: out.Stage}
				if err != nil {
					r.Error = err.Error()
				}
				mu.Lock()
				res.PDUs[key] = r
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("transaction %s: %w", res.TxnID, err)
	}

	p.logger.Info("handled transaction",
		"txn_id", res.TxnID,
		"origin", origin.String(),
		"pdus", len(pdus),
		"rooms", len(rooms),
	)
	return res, nil
}

// RetryReport summarizes one RetryPending pass.
type RetryReport struct {
	Expired   []pdu.EventID
	Retried   int
	Persisted int
	Pending   int
}

// RetryPending expires pending events older than the TTL and retries the
// rest, oldest first.
func (p *Pipeline) RetryPending(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	report.Expired = p.pending.expire(p.clock.Now(), p.limits.PendingTTL)
	for _, id := range report.Expired {
		p.logger.Info("pending event expired", "event_id", id.String())
	}

	for _, pe := range p.pending.list() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !p.pending.has(pe.ev.EventID) {
			// Woken and processed by an earlier retry in this pass.
			continue
		}
		report.Retried++
		out, err := p.intake(ctx, pe.origin, pe.ev)
		if IsStoreFailure(err) {
			return report, err
		}
		if out.Stage == StagePersisted {
			report.Persisted++
		}
	}
	report.Pending = p.pending.len()
	return report, nil
}
