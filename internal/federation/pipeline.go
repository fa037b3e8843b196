package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/roomgraph/internal/auth"
	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
	"github.com/roach88/roomgraph/internal/store"
)

const tracerName = "github.com/roach88/roomgraph/internal/federation"

// Clock supplies wall time for pending expiry and server backoff.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// IDGenerator produces trace and transaction IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7. Panics if generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Config wires a Pipeline.
type Config struct {
	// ServerName and SigningKey identify this server for local events.
	ServerName pdu.ServerName
	SigningKey pdu.SigningKey

	Store   *store.Store
	Cache   *statecache.Cache
	KeyRing pdu.KeyRing
	Network Network
	// Peers are asked for missing events after the origin.
	Peers  []pdu.ServerName
	Limits Limits

	// Optional.
	Clock  Clock
	IDs    IDGenerator
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Pipeline is the federation intake pipeline.
type Pipeline struct {
	server  pdu.ServerName
	key     pdu.SigningKey
	store   *store.Store
	cache   *statecache.Cache
	keys    pdu.KeyRing
	network Network
	limits  Limits
	clock   Clock
	ids     IDGenerator
	logger  *slog.Logger
	tracer  trace.Tracer

	fetcher *fetcher
	locks   *roomLocks
	pending *pendingSet
}

// NewPipeline validates cfg and returns a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Cache == nil {
		return nil, errors.New("federation: store and cache are required")
	}
	if cfg.KeyRing == nil {
		return nil, errors.New("federation: key ring is required")
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Limits.MaxPendingAttempts == 0 {
		cfg.Limits.MaxPendingAttempts = DefaultLimits().MaxPendingAttempts
	}
	if cfg.Limits.MaxPendingAttempts < 1 || cfg.Limits.MaxOutstanding < 1 || cfg.Limits.MaxAttempts < 1 || cfg.Limits.MaxDepth < 1 || cfg.Limits.MaxEvents < 1 {
		return nil, fmt.Errorf("federation: invalid limits %+v", cfg.Limits)
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	p := &Pipeline{
		server:  cfg.ServerName,
		key:     cfg.SigningKey,
		store:   cfg.Store,
		cache:   cfg.Cache,
		keys:    cfg.KeyRing,
		network: cfg.Network,
		limits:  cfg.Limits,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		locks:   newRoomLocks(),
		pending: newPendingSet(),
	}
	p.fetcher = &fetcher{
		network: cfg.Network,
		keys:    cfg.KeyRing,
		store:   cfg.Store,
		health:  newServerHealth(cfg.Limits.ServerBackoff),
		peers:   cfg.Peers,
		clock:   cfg.Clock,
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		sems:    make(map[pdu.RoomID]*semaphore.Weighted),
	}
	return p, nil
}

// PendingCount returns the number of events waiting for ancestors.
func (p *Pipeline) PendingCount() int { return p.pending.len() }

// Process runs one remote event through intake. Failures of the event
// itself are *IntakeError; cancellation returns the context error. The
// Outcome names the final stage either way.
func (p *Pipeline) Process(ctx context.Context, origin pdu.ServerName, raw []byte) (Outcome, error) {
	traceID := p.ids.Generate()
	ctx, span := p.tracer.Start(ctx, "federation.Process", trace.WithAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("origin", origin.String()),
	))
	defer span.End()

	out, err := p.process(ctx, origin, raw)
	span.SetAttributes(
		attribute.String("event_id", out.EventID.String()),
		attribute.String("stage", string(out.Stage)),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, origin pdu.ServerName, raw []byte) (Outcome, error) {
	version, err := p.discoverVersion(ctx, origin, raw)
	if err != nil {
		return Outcome{Stage: stageFor(err)}, err
	}

	ev, err := p.receive(raw, version)
	if err != nil {
		out := Outcome{Stage: StageMalformed}
		if ev != nil {
			out.EventID, out.RoomID = ev.EventID, ev.RoomID
		}
		return out, err
	}
	return p.intake(ctx, origin, ev)
}

// receive verifies a raw event before any graph work. The parsed event is
// returned alongside hash and signature failures for logging.
func (p *Pipeline) receive(raw []byte, version pdu.RoomVersion) (*pdu.Event, error) {
	ev, err := pdu.ParseEvent(raw, version)
	if err != nil {
		return nil, &IntakeError{Code: ErrCodeMalformed, Reason: "parse", Err: err}
	}
	if err := ev.VerifyContentHash(); err != nil {
		return ev, intakeError(ErrCodeMalformed, ev, err, "content hash")
	}
	if err := pdu.VerifySignatures(ev, p.keys); err != nil {
		return ev, intakeError(ErrCodeMalformed, ev, err, "signatures")
	}
	return ev, nil
}

// intake runs a verified event through the remaining stages, then wakes
// pending events that were waiting for it.
func (p *Pipeline) intake(ctx context.Context, origin pdu.ServerName, ev *pdu.Event) (Outcome, error) {
	out, err := p.intakeOne(ctx, origin, ev)
	if out.Stage == StagePersisted || out.Stage == StageRejected {
		p.wake(ctx, ev.EventID)
	}
	return out, err
}

func (p *Pipeline) intakeOne(ctx context.Context, origin pdu.ServerName, ev *pdu.Event) (Outcome, error) {
	log := p.logger.With("event_id", ev.EventID.String(), "room_id", ev.RoomID.String())
	span := trace.SpanFromContext(ctx)

	if done, out, err := p.duplicate(ctx, ev); done || err != nil {
		return out, err
	}

	missing, err := p.store.MissingEvents(ctx, refsOf(ev))
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}

	ancestors := 0
	if len(missing) > 0 {
		log.Debug("intake stage", "stage", StageFetchingAncestors, "missing", len(missing))
		span.AddEvent(string(StageFetchingAncestors))

		fetched, err := p.fetcher.fetchAncestors(ctx, ev, origin, missing)
		var limitErr *fetchLimitError
		switch {
		case errors.As(err, &limitErr):
			p.pending.remove(ev.EventID)
			log.Info("event discarded", "reason", limitErr.Error())
			return p.fail(ev, intakeError(ErrCodeTooManyMissing, ev, err, "ancestor fetch"))
		case IsStoreFailure(err):
			return p.fail(ev, err)
		case err != nil && ctx.Err() != nil:
			p.pending.remove(ev.EventID)
			log.Info("event discarded", "reason", "fetch deadline exceeded")
			return p.fail(ev, intakeError(ErrCodeTooManyMissing, ev, ctx.Err(), "ancestor fetch deadline"))
		case err != nil:
			attempts := p.pending.add(ev, origin, missing, p.clock.Now())
			if attempts >= p.limits.MaxPendingAttempts {
				p.pending.remove(ev.EventID)
				log.Info("event discarded", "reason", "fetch attempts exhausted", "attempts", attempts)
				return p.fail(ev, intakeError(ErrCodeTooManyMissing, ev, err, "%d fetch attempts", attempts))
			}
			log.Info("event pending", "missing", len(missing), "attempts", attempts, "error", err)
			return p.fail(ev, intakeError(ErrCodeMissingAncestors, ev, err, "%d missing", len(missing)))
		}

		for _, a := range fetched {
			out, err := p.commitLocked(ctx, a)
			switch {
			case err == nil, IsRejected(err):
				ancestors++
				p.wakeLater(ctx, out)
			default:
				return p.fail(ev, err)
			}
		}
	}

	out, err := p.commitLocked(ctx, ev)
	out.Ancestors = ancestors
	if err == nil {
		p.pending.remove(ev.EventID)
	}
	return out, err
}

// wakeLater wakes dependents of an ancestor committed on behalf of
// another event.
func (p *Pipeline) wakeLater(ctx context.Context, out Outcome) {
	if out.Stage == StagePersisted || out.Stage == StageRejected {
		p.wake(ctx, out.EventID)
	}
}

// wake re-runs pending events whose last missing ancestor is id, then
// their dependents in turn. It iterates over a worklist.
func (p *Pipeline) wake(ctx context.Context, id pdu.EventID) {
	queue := []pdu.EventID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, pe := range p.pending.satisfied(next) {
			out, err := p.intakeOne(ctx, pe.origin, pe.ev)
			p.logger.Debug("woke pending event",
				"event_id", pe.ev.EventID.String(),
				"stage", out.Stage,
				"error", err,
			)
			if out.Stage == StagePersisted || out.Stage == StageRejected {
				queue = append(queue, pe.ev.EventID)
			}
		}
	}
}

// duplicate reports an already stored event.
func (p *Pipeline) duplicate(ctx context.Context, ev *pdu.Event) (bool, Outcome, error) {
	rejected, _, err := p.store.IsRejected(ctx, ev.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, Outcome{}, nil
	case err != nil:
		out, ferr := p.fail(ev, storeFailure(ev, err))
		return true, out, ferr
	}
	out := Outcome{EventID: ev.EventID, RoomID: ev.RoomID, Stage: StagePersisted, Duplicate: true}
	if rejected {
		out.Stage = StageRejected
	}
	return true, out, nil
}

func (p *Pipeline) fail(ev *pdu.Event, err error) (Outcome, error) {
	return Outcome{EventID: ev.EventID, RoomID: ev.RoomID, Stage: stageFor(err)}, err
}

// storeFailure classifies a store error. A reference into another room
// is the event's fault, not the store's.
func storeFailure(ev *pdu.Event, err error) *IntakeError {
	if store.IsForeignReference(err) {
		return intakeError(ErrCodeMalformed, ev, err, "foreign reference")
	}
	return intakeError(ErrCodeStoreFailure, ev, err, "store")
}

// checkSameRoom fails when a stored prev or auth event of ev belongs to
// another room.
func (p *Pipeline) checkSameRoom(ctx context.Context, ev *pdu.Event) error {
	refs, err := p.store.GetEvents(ctx, refsOf(ev))
	if err != nil {
		return storeFailure(ev, err)
	}
	for _, id := range refsOf(ev) {
		if ref, ok := refs[id]; ok && ref.RoomID != ev.RoomID {
			return intakeError(ErrCodeMalformed, ev, nil, "references %s from room %s", id, ref.RoomID)
		}
	}
	return nil
}

// commitLocked runs the authorize, resolve and persist phases under the
// room lock.
func (p *Pipeline) commitLocked(ctx context.Context, ev *pdu.Event) (Outcome, error) {
	unlock, err := p.locks.lock(ctx, ev.RoomID)
	if err != nil {
		return p.fail(ev, fmt.Errorf("wait for room lock: %w", err))
	}
	defer unlock()
	return p.persist(ctx, ev)
}

// persist must be called with the room lock held.
func (p *Pipeline) persist(ctx context.Context, ev *pdu.Event) (Outcome, error) {
	log := p.logger.With("event_id", ev.EventID.String(), "room_id", ev.RoomID.String())
	span := trace.SpanFromContext(ctx)

	if done, out, err := p.duplicate(ctx, ev); done || err != nil {
		return out, err
	}
	missing, err := p.store.MissingEvents(ctx, refsOf(ev))
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}
	if len(missing) > 0 {
		return p.fail(ev, intakeError(ErrCodeMissingAncestors, ev, nil, "%d references not stored", len(missing)))
	}
	if err := p.checkSameRoom(ctx, ev); err != nil {
		return p.fail(ev, err)
	}

	log.Debug("intake stage", "stage", StageAuthorizing)
	span.AddEvent(string(StageAuthorizing))

	before, err := p.cache.StateBefore(ctx, ev.PrevEvents)
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}

	if reason, err := p.authorize(ctx, ev, before); err != nil {
		return p.fail(ev, err)
	} else if reason != nil {
		if _, err := p.store.PutEvent(ctx, ev, store.PutOptions{
			Rejected:        true,
			RejectionReason: reason.Error(),
			StateAfter:      before,
		}); err != nil {
			return p.fail(ev, storeFailure(ev, err))
		}
		rule := auth.RejectionRule(reason)
		if rule == "" {
			rule = auth.RuleAuthEvents
		}
		log.Info("event rejected", "rule", rule, "reason", reason.Error())
		return p.fail(ev, intakeError(ErrCodeRejected, ev, reason, "%s", rule))
	}

	log.Debug("intake stage", "stage", StageResolving)
	span.AddEvent(string(StageResolving))

	after := statecache.Apply(before, ev, false)
	extremities, err := p.nextExtremities(ctx, ev)
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}
	current, err := p.cache.ResolveCurrent(ctx, extremities, ev, after)
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}

	// Publish diffs against the cached view, which may be cold after a
	// restart or an invalidation.
	if _, err := p.cache.Current(ctx, ev.RoomID); err != nil && !statecache.IsNotFound(err) {
		return p.fail(ev, storeFailure(ev, err))
	}
	res, err := p.store.Commit(ctx, store.Commit{Event: ev, StateAfter: after, CurrentState: current})
	if err != nil {
		return p.fail(ev, storeFailure(ev, err))
	}
	p.cache.Publish(ctx, ev, after, current, res.Extremities)

	log.Debug("intake stage", "stage", StagePersisted, "extremities", len(res.Extremities))
	span.AddEvent(string(StagePersisted))
	return Outcome{
		EventID:     ev.EventID,
		RoomID:      ev.RoomID,
		Stage:       StagePersisted,
		Extremities: res.Extremities,
	}, nil
}

// authorize checks ev against its declared auth events and against the
// state before it. It returns the rejection, or an error when the check
// could not run.
func (p *Pipeline) authorize(ctx context.Context, ev *pdu.Event, before pdu.StateMap) (rejection, err error) {
	declared, err := p.store.GetEvents(ctx, ev.AuthEvents)
	if err != nil {
		return nil, storeFailure(ev, err)
	}
	list := make([]*pdu.Event, 0, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		a, ok := declared[id]
		if !ok {
			return nil, intakeError(ErrCodeMissingAncestors, ev, nil, "auth event %s not stored", id)
		}
		rejected, _, err := p.store.IsRejected(ctx, id)
		if err != nil {
			return nil, storeFailure(ev, err)
		}
		if rejected {
			return fmt.Errorf("auth event %s was rejected", id), nil
		}
		list = append(list, a)
	}

	state, err := auth.NewAuthState(list)
	if err != nil {
		return err, nil
	}
	if reason := auth.Check(ev, state); reason != nil {
		return reason, nil
	}
	if ev.Type == pdu.TypeCreate {
		return nil, nil
	}

	// The event must also be allowed by the state it actually follows.
	ids := auth.SelectAuthEvents(auth.AuthTypesFor(ev), before)
	atState, err := p.store.GetEvents(ctx, ids)
	if err != nil {
		return nil, storeFailure(ev, err)
	}
	list = list[:0]
	for _, id := range ids {
		if a, ok := atState[id]; ok {
			list = append(list, a)
		}
	}
	state, err = auth.NewAuthState(list)
	if err != nil {
		return err, nil
	}
	return auth.Check(ev, state), nil
}

// nextExtremities predicts the forward extremities after ev: the current
// ones it does not descend from, plus ev.
func (p *Pipeline) nextExtremities(ctx context.Context, ev *pdu.Event) ([]pdu.EventID, error) {
	current, err := p.store.ForwardExtremities(ctx, ev.RoomID)
	if err != nil {
		return nil, err
	}
	out := []pdu.EventID{ev.EventID}
	for _, id := range current {
		covered, err := p.store.IsAncestor(ctx, id, ev.PrevEvents)
		if err != nil {
			return nil, err
		}
		if !covered {
			out = append(out, id)
		}
	}
	pdu.SortEventIDs(out)
	return out, nil
}

// discoverVersion finds the room version of a raw event: from the store
// for known rooms, from the content of a create event, or by fetching the
// create event named in auth_events.
func (p *Pipeline) discoverVersion(ctx context.Context, origin pdu.ServerName, raw []byte) (pdu.RoomVersion, error) {
	roomStr := gjson.GetBytes(raw, "room_id").String()
	room, err := pdu.ParseRoomID(roomStr)
	if err != nil {
		return "", &IntakeError{Code: ErrCodeMalformed, Reason: "room_id", Err: err}
	}

	version, err := p.store.RoomVersion(ctx, room)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", &IntakeError{Code: ErrCodeStoreFailure, RoomID: room, Err: err}
	}

	if gjson.GetBytes(raw, "type").String() == pdu.TypeCreate {
		return versionFromCreate(raw)
	}

	if p.network == nil {
		return "", &IntakeError{Code: ErrCodeMissingAncestors, RoomID: room, Reason: "unknown room"}
	}
	for _, r := range gjson.GetBytes(raw, "auth_events").Array() {
		id, err := pdu.ParseEventID(r.String())
		if err != nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, p.limits.FetchTimeout)
		body, err := p.network.FetchEvent(callCtx, origin, id)
		cancel()
		if err != nil || gjson.GetBytes(body, "type").String() != pdu.TypeCreate {
			continue
		}
		version, err := versionFromCreate(body)
		if err != nil {
			continue
		}
		if _, err := verifyFetched(body, version, id, room, p.keys); err != nil {
			continue
		}
		return version, nil
	}
	return "", &IntakeError{Code: ErrCodeMissingAncestors, RoomID: room, Reason: "room version unknown: create event unavailable"}
}

func versionFromCreate(raw []byte) (pdu.RoomVersion, error) {
	v := gjson.GetBytes(raw, "content.room_version")
	if !v.Exists() {
		v = gjson.Parse(`"1"`)
	}
	rules, err := pdu.LookupRoomVersion(v.String())
	if err != nil {
		return "", &IntakeError{Code: ErrCodeMalformed, Reason: "room version", Err: err}
	}
	return rules.Version, nil
}
