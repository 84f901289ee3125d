// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator implements the cognitive sidecar daemon: a
// supervisor loop that claims work from the cognitive inbox and drives
// three single-slot workers (Retriever, Learner, Compactor), each
// backed by a persistent agent session.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultCompactInterval   = 30 * time.Second
	defaultClaimBatch        = 10

	// initMaxTurns bounds the readiness exchange of session setup.
	initMaxTurns = 2

	// livenessWindow is how stale a heartbeat may be before a state
	// row counts as dead and gets reaped to crashed.
	livenessWindow = 2 * time.Minute

	// shutdownTimeout is the hard bound on the whole graceful teardown;
	// after it elapses in-flight work is abandoned and swept to failed.
	shutdownTimeout = 5 * time.Second

	// teardownReserve is held back from shutdownTimeout so the final
	// sweep and state write still run when workers never finish.
	teardownReserve = 1 * time.Second
)

// Config describes one daemon instance. SessionID is the only required
// field; zero intervals fall back to defaults.
type Config struct {
	// SessionID identifies the interactive session this daemon serves.
	SessionID string

	// ProjectSlug is stored on session-state rows.
	ProjectSlug string

	// TranscriptPath is the session transcript the Compactor reads.
	// Empty means the Compactor idles.
	TranscriptPath string

	// DataDir holds the per-session lock file. Empty disables the
	// lock, which only tests should do.
	DataDir string

	// Per-role enable flags.
	RetrieverEnabled bool
	LearnerEnabled   bool
	CompactorEnabled bool

	// LastCompactedTokens seeds the Compactor's trigger cursor, used
	// to resume after a context-reset handoff.
	LastCompactedTokens int64

	// SessionBudgetUSD is recorded on usage rows as the per-session
	// spend cap the adapter enforces.
	SessionBudgetUSD float64

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CompactInterval   time.Duration
	ClaimBatch        int

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = defaultCompactInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = defaultClaimBatch
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Supervisor owns the daemon lifecycle: startup registration, queue
// dispatch, heartbeat, compaction checks, and graceful teardown.
type Supervisor struct {
	cfg     Config
	gateway *queue.Gateway
	invoker agent.Invoker
	logger  *zap.Logger

	// instanceID correlates all log lines of one daemon run.
	instanceID string

	window    *Window
	retriever *Retriever
	learner   *Learner
	compactor *Compactor

	// Effective enable flags after role initialization; a role whose
	// agent session failed to start is disabled for the run.
	retrieverOn bool
	learnerOn   bool
	compactorOn bool

	cronEngine *cron.Cron
	lock       *flock.Flock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSupervisor wires the workers. It performs no I/O; Run does.
func NewSupervisor(cfg Config, gw *queue.Gateway, invoker agent.Invoker) (*Supervisor, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("queue gateway is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("agent invoker is required")
	}
	cfg.setDefaults()

	logger := cfg.Logger.With(zap.String("session_id", cfg.SessionID))
	window := NewWindow()

	s := &Supervisor{
		cfg:         cfg,
		gateway:     gw,
		invoker:     invoker,
		logger:      logger,
		instanceID:  uuid.NewString(),
		window:      window,
		retriever:   newRetriever(cfg.SessionID, gw, invoker, window, cfg.SessionBudgetUSD, logger),
		learner:     newLearner(cfg.SessionID, gw, invoker, window, cfg.SessionBudgetUSD, logger),
		compactor:   newCompactor(cfg.SessionID, cfg.ProjectSlug, cfg.TranscriptPath, cfg.LastCompactedTokens, gw, invoker, cfg.SessionBudgetUSD, logger),
		retrieverOn: cfg.RetrieverEnabled,
		learnerOn:   cfg.LearnerEnabled,
		compactorOn: cfg.CompactorEnabled && cfg.TranscriptPath != "",
		stopCh:      make(chan struct{}),
	}
	return s, nil
}

// RequestStop asks the supervisor to shut down. Safe to call from any
// goroutine, any number of times.
func (s *Supervisor) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run executes the daemon until shutdown is requested or the context
// is cancelled. A returned error means the run ended off-nominal and
// the process should exit non-zero.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("supervisor panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			s.markCrashed(fmt.Sprintf("panic: %v", rec))
			err = fmt.Errorf("supervisor panic: %v", rec)
		}
	}()

	s.logger.Info("orchestrator starting",
		zap.String("instance_id", s.instanceID),
		zap.Int("pid", os.Getpid()),
		zap.Bool("retriever", s.retrieverOn),
		zap.Bool("learner", s.learnerOn),
		zap.Bool("compactor", s.compactorOn))

	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	// Dead predecessors must not look alive to external tooling.
	if _, err := s.gateway.ReapStale(ctx, livenessWindow); err != nil {
		s.logger.Warn("failed to reap stale state rows", zap.Error(err))
	}

	if err := s.gateway.UpsertStateStart(ctx, s.cfg.SessionID, os.Getpid(), s.retrieverOn, s.learnerOn); err != nil {
		s.markCrashed(err.Error())
		return fmt.Errorf("failed to register orchestrator state: %w", err)
	}

	s.initRoles(ctx)

	if err := s.gateway.UpdateStateRunning(ctx, s.cfg.SessionID, s.retriever.handle, s.learner.handle); err != nil {
		s.logger.Warn("failed to mark state running", zap.Error(err))
	}

	if err := s.startCron(ctx); err != nil {
		s.markCrashed(err.Error())
		return err
	}

	s.logger.Info("orchestrator running")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, shutting down")
			s.RequestStop()
			return s.shutdown()
		case <-s.stopCh:
			return s.shutdown()
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// acquireLock takes the per-session daemon lock. Failing to get it
// means another instance owns this session.
func (s *Supervisor) acquireLock() error {
	if s.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	s.lock = flock.New(filepath.Join(s.cfg.DataDir, "engramd-"+s.cfg.SessionID+".lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon already owns session %s", s.cfg.SessionID)
	}
	return nil
}

func (s *Supervisor) releaseLock() {
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release session lock", zap.Error(err))
		}
	}
}

// initRoles starts the per-role agent sessions concurrently. A role
// whose session cannot start is disabled for the run; initialization
// failures are never fatal to the daemon.
func (s *Supervisor) initRoles(ctx context.Context) {
	var (
		g                                      errgroup.Group
		retrHandle, learnHandle, compactHandle string
		retrErr, learnErr, compactErr          error
	)

	if s.retrieverOn {
		g.Go(func() error {
			retrHandle, retrErr = s.invoker.InitSession(ctx, agent.SessionSpec{
				Role:         agent.RoleRetriever,
				SystemPrompt: retrieverSystemPrompt,
				Tools:        retrieverTools,
				MaxTurns:     initMaxTurns,
			})
			return nil
		})
	}
	if s.learnerOn {
		g.Go(func() error {
			learnHandle, learnErr = s.invoker.InitSession(ctx, agent.SessionSpec{
				Role:         agent.RoleLearner,
				SystemPrompt: learnerSystemPrompt,
				Tools:        learnerTools,
				MaxTurns:     initMaxTurns,
			})
			return nil
		})
	}
	if s.compactorOn {
		g.Go(func() error {
			compactHandle, compactErr = s.invoker.InitSession(ctx, agent.SessionSpec{
				Role:         agent.RoleCompactor,
				SystemPrompt: compactorSystemPrompt,
				MaxTurns:     initMaxTurns,
			})
			return nil
		})
	}
	_ = g.Wait()

	if s.retrieverOn && retrErr != nil {
		s.logger.Error("retriever session failed to start, disabling role", zap.Error(retrErr))
		s.retrieverOn = false
	}
	if s.learnerOn && learnErr != nil {
		s.logger.Error("learner session failed to start, disabling role", zap.Error(learnErr))
		s.learnerOn = false
	}
	if s.compactorOn && compactErr != nil {
		s.logger.Error("compactor session failed to start, disabling role", zap.Error(compactErr))
		s.compactorOn = false
	}

	s.retriever.handle = retrHandle
	s.learner.handle = learnHandle
	s.compactor.handle = compactHandle
}

// startCron schedules the heartbeat and the compactor check. Both are
// cheap and skip themselves when their work is already running.
func (s *Supervisor) startCron(ctx context.Context) error {
	s.cronEngine = cron.New()

	heartbeatSpec := fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval)
	if _, err := s.cronEngine.AddFunc(heartbeatSpec, func() { s.heartbeat(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}

	if s.compactorOn {
		compactSpec := fmt.Sprintf("@every %s", s.cfg.CompactInterval)
		if _, err := s.cronEngine.AddFunc(compactSpec, func() { s.compactor.Check(ctx, false) }); err != nil {
			return fmt.Errorf("failed to schedule compactor check: %w", err)
		}
	}

	s.cronEngine.Start()
	return nil
}

// heartbeat refreshes the liveness timestamp and sweeps expired
// retrieval rows.
func (s *Supervisor) heartbeat(ctx context.Context) {
	if s.stopping() {
		return
	}
	if err := s.gateway.TouchHeartbeat(ctx, s.cfg.SessionID); err != nil {
		s.logger.Warn("failed to touch heartbeat", zap.Error(err))
	}
	if _, err := s.gateway.PurgeExpiredRetrievals(ctx); err != nil {
		s.logger.Warn("failed to purge expired retrievals", zap.Error(err))
	}
}

// poll claims one batch from the cognitive inbox and dispatches it in
// id order. The iteration aborts as soon as shutdown is requested;
// claimed but undispatched rows are swept to failed on teardown.
func (s *Supervisor) poll(ctx context.Context) {
	status, err := s.gateway.LookupStatus(ctx, s.cfg.SessionID)
	if err != nil {
		s.logger.Warn("failed to look up orchestrator status", zap.Error(err))
		return
	}
	if status == queue.StateStopping {
		s.logger.Info("external stop requested via state row")
		s.RequestStop()
		return
	}

	msgs, err := s.gateway.ClaimPending(ctx, s.cfg.SessionID, s.cfg.ClaimBatch)
	if err != nil {
		s.logger.Warn("failed to claim pending messages", zap.Error(err))
		return
	}

	for _, msg := range msgs {
		if s.stopping() {
			return
		}
		s.dispatch(ctx, msg)
	}
}

// dispatch routes one claimed message to its role.
func (s *Supervisor) dispatch(ctx context.Context, msg *queue.Message) {
	if err := validatePayload(msg.Kind, msg.Payload); err != nil {
		s.logger.Error("malformed message payload",
			zap.Int64("message_id", msg.ID),
			zap.String("kind", msg.Kind),
			zap.Error(err))
		s.failMessage(ctx, msg.ID)
		return
	}

	switch msg.Kind {
	case queue.KindPromptContext:
		if !s.retrieverOn {
			// The hook is still waiting; it gets a none result even
			// with the role off.
			p, _ := decodePrompt(msg.Payload)
			s.retriever.writeResult(ctx, p.PromptHash, "")
			s.completeMessage(ctx, msg.ID)
			return
		}
		s.retriever.Dispatch(ctx, msg)

	case queue.KindToolUse, queue.KindLearnTrigger:
		if !s.learnerOn {
			s.completeMessage(ctx, msg.ID)
			return
		}
		s.learner.Dispatch(ctx, msg)

	case queue.KindCompactorTrigger:
		s.completeMessage(ctx, msg.ID)
		if s.compactorOn {
			s.compactor.Check(ctx, true)
		}

	case queue.KindSessionEvent:
		ev, err := decodeSessionEvent(msg.Payload)
		if err != nil {
			s.failMessage(ctx, msg.ID)
			return
		}
		switch ev.Event {
		case EventSessionEnd:
			s.logger.Info("session end event received", zap.Int64("message_id", msg.ID))
			s.completeMessage(ctx, msg.ID)
			s.RequestStop()
		case EventCompactorTrigger:
			// The trigger is considered delivered once dispatched; if
			// the compaction fails the cursor rule governs retry.
			s.completeMessage(ctx, msg.ID)
			if s.compactorOn {
				s.compactor.Check(ctx, true)
			}
		}

	default:
		s.logger.Warn("unroutable message kind",
			zap.Int64("message_id", msg.ID),
			zap.String("kind", msg.Kind))
		s.failMessage(ctx, msg.ID)
	}
}

// shutdown tears the daemon down: stop timers, give in-flight work a
// bounded grace period, sweep leftovers, mark the state row stopped.
// Teardown is best-effort throughout; a half-dead DB must not prevent
// exit.
func (s *Supervisor) shutdown() error {
	s.logger.Info("orchestrator stopping")

	if s.cronEngine != nil {
		s.cronEngine.Stop()
	}

	// One deadline bounds the entire teardown. The run context may
	// already be cancelled, so this starts from Background.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.retriever.Wait()
		s.learner.Wait()
		s.compactor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout - teardownReserve):
		s.logger.Warn("graceful shutdown timed out, abandoning in-flight work",
			zap.Duration("timeout", shutdownTimeout))
	}

	if _, err := s.gateway.SweepInFlight(ctx, s.cfg.SessionID); err != nil {
		s.logger.Warn("failed to sweep in-flight messages", zap.Error(err))
	}
	if err := s.gateway.MarkStopped(ctx, s.cfg.SessionID); err != nil {
		s.logger.Warn("failed to mark state stopped", zap.Error(err))
	}

	s.logger.Info("orchestrator stopped", zap.String("instance_id", s.instanceID))
	return nil
}

func (s *Supervisor) markCrashed(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.gateway.MarkCrashed(ctx, s.cfg.SessionID, msg); err != nil {
		s.logger.Warn("failed to mark state crashed", zap.Error(err))
	}
}

func (s *Supervisor) completeMessage(ctx context.Context, id int64) {
	if err := s.gateway.MarkCompleted(ctx, id); err != nil {
		s.logger.Warn("failed to mark message completed", zap.Int64("message_id", id), zap.Error(err))
	}
}

func (s *Supervisor) failMessage(ctx context.Context, id int64) {
	if err := s.gateway.MarkFailed(ctx, id); err != nil {
		s.logger.Warn("failed to mark message failed", zap.Int64("message_id", id), zap.Error(err))
	}
}
