package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/fmsync/internal/compiler"
	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/store"
	"github.com/roach88/fmsync/internal/syncwire"
)

const defaultSettleRounds = 16

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	artifact ir.ArtifactID
	bus      *syncwire.Loopback
	sites    map[string]*site
	logger   *slog.Logger
	result   *Result

	// held keeps messages a deliver step left queued, keyed by (to, from).
	held map[[2]string][][]byte
}

// site is one participant: a kernel on the shared bus with its own
// in-memory checkpoint store.
type site struct {
	id     ir.SiteID
	conn   *syncwire.LoopbackPeer
	kernel *kernel.Kernel
	store  *store.Store
}

// Run executes a scenario and returns the result.
//
// Each site gets a fresh in-memory database. Step failures and assertion
// failures are reported in the result; the returned error is reserved for
// setup problems (a seed that does not compile, a database that cannot be
// opened).
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		artifact: ir.ArtifactID(scenario.Artifact),
		bus:      syncwire.NewLoopback(),
		sites:    make(map[string]*site, len(scenario.Sites)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
		result:   NewResult(),
		held:     make(map[[2]string][][]byte),
	}
	if h.artifact == "" {
		h.artifact = "fm1"
	}
	defer h.close()

	for _, id := range scenario.Sites {
		if err := h.join(ctx, id); err != nil {
			return nil, err
		}
	}

	if scenario.Seed != "" {
		if err := h.seed(ctx, scenario.Seed); err != nil {
			return nil, err
		}
	}

	for i, step := range scenario.Steps {
		h.execute(ctx, i, step)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}

	for _, id := range scenario.Sites {
		doc, err := h.sites[id].kernel.Snapshot(h.artifact)
		if err != nil {
			return nil, err
		}
		h.result.Digests[id] = doc.Digest()
	}
	first, _ := h.sites[scenario.Sites[0]].kernel.Snapshot(h.artifact)
	doc, err := first.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal final document: %w", err)
	}
	h.result.Document = doc

	return h.result, nil
}

func (h *Harness) join(ctx context.Context, id string) error {
	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("site %s: failed to create in-memory store: %w", id, err)
	}
	if err := st.WriteSession(ctx, h.artifact, ir.SiteID(id)); err != nil {
		st.Close()
		return fmt.Errorf("site %s: %w", id, err)
	}

	conn := h.bus.Join(ir.SiteID(id))
	k := kernel.New(conn,
		kernel.WithStore(st),
		kernel.WithLogger(h.logger.With("site", id)),
	)
	if err := k.Initialize(ctx, h.artifact, ir.SiteID(id)); err != nil {
		st.Close()
		return fmt.Errorf("site %s: %w", id, err)
	}

	h.sites[id] = &site{id: ir.SiteID(id), conn: conn, kernel: k, store: st}
	return nil
}

func (h *Harness) close() {
	for _, s := range h.sites {
		s.store.Close()
	}
}

// seed commits a compiled CUE model at the first site and settles it
// everywhere.
func (h *Harness) seed(ctx context.Context, dir string) error {
	m, err := compiler.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	origin := h.sites[h.scenario.Sites[0]]
	before := h.ownSeq(origin)
	err = origin.kernel.Apply(ctx, h.artifact, func(txn *kernel.Txn) error {
		for _, p := range m.Proposals() {
			if err := txn.Propose(p.Kind, p.Payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	h.result.trace(TraceEvent{
		Step:     -1,
		Type:     "seed",
		Site:     string(origin.id),
		Messages: h.committed(origin, before),
	})

	if left := h.settle(ctx, -1, defaultSettleRounds); left > 0 {
		return fmt.Errorf("seed: %d messages still in flight after settling", left)
	}
	return nil
}

// execute runs one step. Failures are recorded, never returned, so later
// steps and assertions still report.
func (h *Harness) execute(ctx context.Context, i int, step Step) {
	switch {
	case step.Run != nil:
		h.run(ctx, i, step.Run)

	case step.Deliver != nil:
		h.deliver(ctx, i, step.Deliver)

	case step.Settle != nil:
		rounds := step.Settle.MaxRounds
		if rounds <= 0 {
			rounds = defaultSettleRounds
		}
		if left := h.settle(ctx, i, rounds); left > 0 {
			h.result.AddError(fmt.Sprintf("steps[%d]: %d messages still in flight after %d rounds", i, left, rounds))
		}

	case step.Outage != nil:
		h.sites[step.Outage.Site].conn.SetDown(step.Outage.Down)
		state := "up"
		if step.Outage.Down {
			state = "down"
		}
		h.result.trace(TraceEvent{Step: i, Type: "outage", Site: step.Outage.Site, Messages: []string{state}})

	case step.Reconnect != "":
		s := h.sites[step.Reconnect]
		ev := TraceEvent{Step: i, Type: "reconnect", Site: step.Reconnect}
		if err := s.kernel.Reconnect(ctx); err != nil {
			ev.Error = errorCode(err)
			h.result.AddError(fmt.Sprintf("steps[%d]: reconnect %s: %v", i, step.Reconnect, err))
		}
		h.result.trace(ev)

	case step.Receive != nil:
		s := h.sites[step.Receive.Site]
		err := s.kernel.Receive(ctx, []byte(step.Receive.Message))
		ev := TraceEvent{Step: i, Type: "receive", Site: step.Receive.Site}
		if err != nil {
			ev.Error = errorCode(err)
		}
		h.expect(i, "receive", step.Receive.ExpectError, err)
		h.result.trace(ev)

	case len(step.Check) > 0:
		for _, msg := range EvaluateAssertions(ctx, h, step.Check) {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
		}
		h.result.trace(TraceEvent{Step: i, Type: "check"})
	}
}

func (h *Harness) run(ctx context.Context, i int, step *RunStep) {
	s := h.sites[step.Site]
	before := h.ownSeq(s)

	err := s.kernel.Apply(ctx, h.artifact, func(txn *kernel.Txn) error {
		for j, op := range step.Ops {
			payload, err := ir.ToIRObject(op.Payload)
			if err != nil {
				return fmt.Errorf("ops[%d]: %w", j, err)
			}
			if err := txn.Propose(ir.OpKind(op.Kind), payload); err != nil {
				return fmt.Errorf("ops[%d]: %w", j, err)
			}
		}
		return nil
	})

	ev := TraceEvent{Step: i, Type: "run", Site: step.Site, Messages: h.committed(s, before)}
	if err != nil {
		ev.Error = errorCode(err)
	}
	h.expect(i, "run", step.ExpectError, err)
	h.result.trace(ev)
}

func (h *Harness) deliver(ctx context.Context, i int, step *DeliverStep) {
	to := h.sites[step.To]
	queued := h.take(step.To, step.From)

	var msgs [][]byte
	switch {
	case len(step.Indices) > 0:
		picked := make(map[int]bool)
		for _, idx := range step.Indices {
			if idx < 0 || idx >= len(queued) || picked[idx] {
				h.result.AddError(fmt.Sprintf("steps[%d]: index %d invalid, %d messages queued from %s", i, idx, len(queued), step.From))
				continue
			}
			picked[idx] = true
			msgs = append(msgs, queued[idx])
		}
		var rest [][]byte
		for idx, msg := range queued {
			if !picked[idx] {
				rest = append(rest, msg)
			}
		}
		if len(rest) > 0 {
			h.held[[2]string{step.To, step.From}] = rest
		}
	case step.Order == "reverse":
		msgs = slices.Clone(queued)
		slices.Reverse(msgs)
	default:
		msgs = queued
	}

	ev := TraceEvent{Step: i, Type: "deliver", Site: step.To, From: step.From}
	for _, msg := range msgs {
		ev.Messages = append(ev.Messages, describe(msg))
		if err := to.kernel.Receive(ctx, msg); err != nil {
			ev.Error = errorCode(err)
			h.result.AddError(fmt.Sprintf("steps[%d]: %s receiving from %s: %v", i, step.To, step.From, err))
		}
	}
	h.result.trace(ev)
}

// settle delivers every queued message, pair by pair in site order, until
// nothing is left or rounds run out. Returns the number of messages still
// queued.
func (h *Harness) settle(ctx context.Context, i, rounds int) int {
	delivered := 0
	for range rounds {
		moved := 0
		for _, to := range h.scenario.Sites {
			for _, from := range h.scenario.Sites {
				if from == to {
					continue
				}
				for _, msg := range h.take(to, from) {
					moved++
					if err := h.sites[to].kernel.Receive(ctx, msg); err != nil {
						h.result.AddError(fmt.Sprintf("steps[%d]: settle: %s receiving from %s: %v", i, to, from, err))
					}
				}
			}
		}
		delivered += moved
		if moved == 0 {
			break
		}
	}
	h.result.trace(TraceEvent{Step: i, Type: "settle", Messages: []string{fmt.Sprintf("%d delivered", delivered)}})
	return h.inFlight()
}

// take removes and returns everything queued for to from from: held
// messages first, then whatever the bus has since accumulated.
func (h *Harness) take(to, from string) [][]byte {
	key := [2]string{to, from}
	msgs := h.held[key]
	delete(h.held, key)
	return append(msgs, h.sites[to].conn.Take(ir.SiteID(from))...)
}

func (h *Harness) inFlight() int {
	n := 0
	for _, to := range h.scenario.Sites {
		for _, from := range h.scenario.Sites {
			if from != to {
				n += len(h.held[[2]string{to, from}]) + h.sites[to].conn.Pending(ir.SiteID(from))
			}
		}
	}
	return n
}

// expect checks err against an expected error code.
func (h *Harness) expect(i int, what, code string, err error) {
	switch {
	case code == "" && err != nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: %s failed: %v", i, what, err))
	case code != "" && err == nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: %s succeeded, expected %s", i, what, code))
	case code != "" && errorCode(err) != code:
		h.result.AddError(fmt.Sprintf("steps[%d]: %s failed with %s, expected %s: %v", i, what, errorCode(err), code, err))
	}
}

func (h *Harness) ownSeq(s *site) int64 {
	c, _ := s.kernel.Context(h.artifact)
	return c.Get(s.id)
}

// committed describes the operations s issued after seq before.
func (h *Harness) committed(s *site, before int64) []string {
	log, _ := s.kernel.Log(h.artifact)
	var out []string
	for _, op := range log {
		if op.SiteID == s.id && op.Seq > before {
			out = append(out, fmt.Sprintf("op %s#%d %s", op.SiteID, op.Seq, op.Kind))
		}
	}
	return out
}

// describe renders a wire message for the trace.
func describe(msg []byte) string {
	env, err := syncwire.Decode(msg)
	if err != nil {
		return "invalid"
	}
	if env.Type == syncwire.TypeOperation {
		op := env.Operation
		return fmt.Sprintf("op %s#%d %s", op.SiteID, op.Seq, op.Kind)
	}
	return fmt.Sprintf("%s %s", env.Type, env.SiteID())
}

// errorCode maps an error to the code scenarios name it by.
func errorCode(err error) string {
	var (
		pe *model.PreconditionError
		ve *syncwire.ValidationError
		te *syncwire.TransportError
		re *kernel.RuntimeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return "PRECONDITION_FAILED"
	case errors.As(err, &ve):
		return "VALIDATION_FAILED"
	case errors.As(err, &te):
		return "TRANSPORT_FAILED"
	case errors.As(err, &re):
		return string(re.Code)
	default:
		return "ERROR"
	}
}
