package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/ffbatch/pkg/api"
	"github.com/psantana5/ffbatch/pkg/auth"
	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/config"
	"github.com/psantana5/ffbatch/pkg/executor"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/metrics"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
	"github.com/psantana5/ffbatch/pkg/shutdown"
	"github.com/psantana5/ffbatch/pkg/sink"
	"github.com/psantana5/ffbatch/pkg/store"
	ffbtls "github.com/psantana5/ffbatch/pkg/tls"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

// runtime is everything one batch process owns
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	orch      *orchestrator.Orchestrator
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	persister store.Persister
	server    *http.Server
	listener  net.Listener
	shutdown  *shutdown.Manager

	progressEvery time.Duration
}

func newRuntime(cfg *config.Config, progressEvery time.Duration) (*runtime, error) {
	logger, err := cfg.Logger("ffbatch")
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:           cfg,
		logger:        logger,
		shutdown:      shutdown.New(2*time.Minute, logger),
		progressEvery: progressEvery,
	}

	rt.tracer, err = tracing.InitTracer(cfg.TracingConfig(Version), logger)
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("tracing", rt.tracer.Shutdown)

	rt.persister, err = store.NewPersister(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if rt.persister != nil {
		rt.shutdown.Register("task store", shutdown.CloseResource(rt.persister))
	}

	rt.metrics = metrics.New()
	if err := rt.metrics.Register(metrics.NewHostCollector()); err != nil {
		logger.Warn("Host metrics unavailable", logging.Fields{"error": err.Error()})
	}

	cmdExec, err := executor.NewCommandExecutor(cfg.CommandExecutor(), logger)
	if err != nil {
		return nil, err
	}
	exec := executor.NewValidatingExecutor(cmdExec, cfg.Executor.Extensions, cfg.Executor.MaxSourceBytes)

	rt.orch = orchestrator.New(cfg.Orchestrator(), exec, orchestrator.Options{
		Sink:      sink.NewFileSink(cfg.Sink(), logger),
		Persister: rt.persister,
		Budget:    cfg.Budget(),
		Tracer:    rt.tracer,
		Metrics:   rt.metrics,
		Logger:    logger,
	})

	if cfg.Server.Listen != "" {
		if err := rt.prepareServer(); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) prepareServer() error {
	tok, err := auth.NewToken(rt.cfg.Server.Token)
	if err != nil {
		return err
	}
	if tok == nil {
		rt.logger.Warn("Control surface has no token; anyone who can reach it may pause or cancel the batch",
			logging.Fields{"listen": rt.cfg.Server.Listen})
	}

	router := api.NewRouter(api.NewHandler(rt.orch, rt.logger), api.RouterOptions{
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
		Token:   tok,
	})
	rt.server = &http.Server{
		Addr:         rt.cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if rt.cfg.Server.TLSCert != "" {
		tlsCfg, err := ffbtls.LoadTLSConfig(rt.cfg.Server.TLSCert, rt.cfg.Server.TLSKey, rt.cfg.Server.TLSCA)
		if err != nil {
			return err
		}
		rt.server.TLSConfig = tlsCfg
	}

	// Bind before the batch starts so a port conflict fails fast.
	rt.listener, err = net.Listen("tcp", rt.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rt.cfg.Server.Listen, err)
	}
	return nil
}

func (rt *runtime) serve() {
	if rt.server == nil {
		return
	}
	rt.shutdown.Register("control surface", shutdown.StopHTTPServer(rt.server))
	go func() {
		var err error
		if rt.server.TLSConfig != nil {
			err = rt.server.ServeTLS(rt.listener, "", "")
		} else {
			err = rt.server.Serve(rt.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("Control surface stopped", logging.Fields{"error": err.Error()})
		}
	}()
	rt.logger.Info("Control surface listening", logging.Fields{
		"addr": rt.listener.Addr().String(),
		"tls":  rt.server.TLSConfig != nil,
	})
}

// wait blocks until the batch ends or a signal asks the process to stop.
// A first signal pauses the batch, lets in-flight tasks finish and takes a
// checkpoint so the batch can be resumed.
func (rt *runtime) wait(ctx context.Context) error {
	defer func() {
		if err := rt.shutdown.Shutdown(); err != nil {
			rt.logger.Warn("Shutdown finished with errors", logging.Fields{"error": err.Error()})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.shutdown.Listen(ctx, func() {
		fmt.Fprintln(os.Stderr, "Forced exit; the last checkpoint is still resumable")
		os.Exit(ExitInterrupted)
	})
	rt.serve()

	var ticker <-chan time.Time
	if rt.progressEvery > 0 {
		t := time.NewTicker(rt.progressEvery)
		defer t.Stop()
		ticker = t.C
	}

	for {
		select {
		case <-rt.orch.Done():
			state, err := rt.orch.Wait(ctx)
			if err != nil {
				return err
			}
			return rt.finish(state)
		case <-rt.shutdown.Done():
			return rt.interrupt()
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker:
			rt.logProgress()
		}
	}
}

func (rt *runtime) logProgress() {
	st := rt.orch.Status()
	p := st.Progress
	fields := logging.Fields{
		"status":     string(st.Batch.Status),
		"completed":  p.Completed,
		"failed":     p.Failed,
		"pending":    p.Pending,
		"running":    p.Running,
		"total":      p.TotalTasks,
		"workers":    st.Batch.WorkerCount,
		"per_minute": fmt.Sprintf("%.2f", p.ThroughputPerMinute),
	}
	if p.ETAKnown {
		fields["eta"] = formatDuration(p.ETA)
	}
	if st.Batch.Stalled {
		fields["stalled"] = st.Batch.StallReason
	}
	rt.logger.Info("Progress", fields)
}

func (rt *runtime) interrupt() error {
	batchID := rt.orch.BatchID()
	log := rt.logger.WithField("batch_id", batchID)
	log.Info("Interrupt received, pausing batch; press Ctrl+C again to force exit")

	if err := rt.orch.Pause(); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrBatchFinished):
			state, werr := rt.orch.Wait(context.Background())
			if werr != nil {
				return werr
			}
			return rt.finish(state)
		case errors.Is(err, orchestrator.ErrInvalidState):
			// already paused
		default:
			return err
		}
	}

	drain := shutdown.WaitFor(func() bool { return rt.orch.Status().Pool.Busy == 0 }, 200*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Orchestrator().StopTimeout)
	defer cancel()
	if err := drain(ctx); err != nil {
		log.Warn("In-flight tasks still running; they will be redone on resume", logging.Fields{"error": err.Error()})
	}

	info, err := rt.orch.Checkpoint()
	rt.dumpMetrics(batchID)
	if err != nil {
		return &exitError{code: ExitError, err: fmt.Errorf("final checkpoint failed: %w", err)}
	}
	fmt.Fprintf(os.Stderr, "\nBatch %s paused at %d/%d tasks. Resume with:\n  ffbatch resume %s\n",
		batchID, info.Completed, info.TotalTasks, batchID)
	return &exitError{code: ExitInterrupted}
}

func (rt *runtime) finish(state models.BatchState) error {
	fields := logging.Fields{
		"batch_id":  state.BatchID,
		"status":    string(state.Status),
		"completed": state.Completed,
		"failed":    state.Failed,
		"cancelled": state.Cancelled,
		"total":     state.TotalTasks,
	}
	rt.logger.Info("Batch finished", fields)
	rt.dumpMetrics(state.BatchID)

	st := rt.orch.Status()
	if err := printOutput(st, func(w io.Writer) { renderStatus(w, &st) }); err != nil {
		return err
	}

	switch state.Status {
	case models.BatchCompleted:
		return nil
	case models.BatchCancelled:
		return &exitError{code: ExitCancelled, err: fmt.Errorf("batch %s was cancelled", state.BatchID)}
	default:
		msg := fmt.Sprintf("batch %s failed: %d of %d tasks failed", state.BatchID, state.Failed, state.TotalTasks)
		if state.FatalError != "" {
			msg += ": " + state.FatalError
		}
		return &exitError{code: ExitBatchFailed, err: errors.New(msg)}
	}
}

// metricsFile sits next to a batch's checkpoints
const metricsFile = "metrics.prom"

// dumpMetrics keeps the last metric values of a batch with its checkpoints
func (rt *runtime) dumpMetrics(batchID string) {
	if batchID == "" {
		return
	}
	path := filepath.Join(checkpoint.BatchDir(rt.cfg.Checkpoint.Dir, batchID), metricsFile)
	if err := rt.metrics.Dump(path); err != nil {
		rt.logger.Warn("Failed to write metrics dump", logging.Fields{"path": path, "error": err.Error()})
		return
	}
	rt.logger.Debug("Metrics written", logging.Fields{"path": path})
}
