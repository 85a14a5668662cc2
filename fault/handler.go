package fault

import (
	"context"
	"log/slog"
	"time"

	"github.com/slateworks/slate/bus"
)

// handlerSender identifies fault-handler events on the bus.
const handlerSender = "error_handler"

const restartProbeTimeout = 10 * time.Second

// RestartableAgent is the slice of an agent the fault handler drives.
// Restart must probe and recover locally; it must not wait on the
// agent's own mailbox, which is held while the handler runs.
type RestartableAgent interface {
	LogFault(msg *bus.Message, err error)
	Restart(ctx context.Context) error
	ForceOffline(reason string)
}

// Directory resolves agent ids to running agents.
type Directory interface {
	Lookup(agentID string) (RestartableAgent, bool)
}

// Handler applies the failure policies: restart-once for agent faults,
// retry-with-backoff then degrade for communication faults, and the
// retry budget consulted by the workflow engine for step faults.
type Handler struct {
	logger *slog.Logger
	bus    bus.Bus
	retry  RetryConfig
	dir    Directory
}

// New creates a Handler publishing its events on b.
func New(logger *slog.Logger, b bus.Bus, retry RetryConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryConfig()
	}
	return &Handler{logger: logger, bus: b, retry: retry}
}

// SetDirectory wires the agent registry used for restart probes. Without
// one, agent faults are logged and nothing is restarted.
func (h *Handler) SetDirectory(d Directory) { h.dir = d }

// RetryPolicy returns the active retry configuration.
func (h *Handler) RetryPolicy() RetryConfig { return h.retry }

// HandleAgentFault is installed as the bus fault sink. It logs the
// failure to the agent's operation log and attempts one in-place
// restart; if the probe also fails the agent goes offline and
// `agent.offline` is published so the director can reassign its work.
func (h *Handler) HandleAgentFault(agentID string, msg *bus.Message, err error) {
	h.logger.Warn("agent handler fault",
		slog.String("agent", agentID),
		slog.String("topic", msg.Topic),
		slog.String("category", Category(err)),
		slog.Any("err", err))

	if h.dir == nil {
		return
	}
	ag, ok := h.dir.Lookup(agentID)
	if !ok {
		h.logger.Warn("faulting agent not in directory", slog.String("agent", agentID))
		return
	}
	ag.LogFault(msg, err)

	ctx, cancel := context.WithTimeout(context.Background(), restartProbeTimeout)
	defer cancel()
	if rerr := ag.Restart(ctx); rerr != nil {
		h.logger.Error("restart probe failed, taking agent offline",
			slog.String("agent", agentID),
			slog.Any("err", rerr))
		ag.ForceOffline(rerr.Error())

		off := bus.NewMessage(bus.TopicAgentOffline, handlerSender, map[string]any{
			"agent_id": agentID,
			"reason":   rerr.Error(),
		})
		off.Priority = bus.PriorityHigh
		if perr := h.bus.Publish(ctx, off); perr != nil {
			h.logger.Error("publish agent.offline", slog.Any("err", perr))
		}
		return
	}
	h.logger.Info("agent restarted", slog.String("agent", agentID))
}

// Request is bus.Request wrapped in the communication retry policy: up
// to MaxRetries extra attempts with exponential backoff. Every attempt
// uses a fresh correlation id so a stale reply can never resolve a
// newer attempt's future. After exhaustion it publishes exactly one
// `communication.degraded` event and returns a CommunicationError.
func (h *Handler) Request(ctx context.Context, targetID string, req *bus.Message, timeout time.Duration) (*bus.Message, error) {
	attempt := 0
	resp, err := RetryWithResult(ctx, h.retry, func(ctx context.Context) (*bus.Message, error) {
		if attempt > 0 {
			h.logger.Debug("retrying request",
				slog.String("target", targetID),
				slog.Int("attempt", attempt))
		}
		attempt++
		r := req.Clone()
		r.CorrelationID = ""
		return h.bus.Request(ctx, targetID, r, timeout)
	})
	if err != nil {
		cerr := &CommunicationError{Source: req.SenderID, Target: targetID, Err: err}
		h.logger.Warn("communication degraded",
			slog.String("source", req.SenderID),
			slog.String("target", targetID),
			slog.Int("attempts", attempt),
			slog.Any("err", err))
		deg := bus.NewMessage(bus.TopicCommDegraded, handlerSender, map[string]any{
			"source":   req.SenderID,
			"target":   targetID,
			"attempts": attempt,
			"reason":   err.Error(),
		})
		if perr := h.bus.Publish(context.WithoutCancel(ctx), deg); perr != nil {
			h.logger.Error("publish communication.degraded", slog.Any("err", perr))
		}
		return nil, cerr
	}
	return resp, nil
}

// StepFailure decides whether a workflow step failure should retry, and
// after how long. attempt is 0-based over completed tries.
func (h *Handler) StepFailure(step string, attempt int, retriable bool, err error) (bool, time.Duration) {
	if !retriable || IsPermanent(err) {
		return false, 0
	}
	if attempt >= h.retry.MaxRetries {
		return false, 0
	}
	return true, h.retry.Backoff(attempt)
}
