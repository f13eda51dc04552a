package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"fridgesync/internal/config"
	"fridgesync/internal/encryption"
	"fridgesync/internal/fridge"
	"fridgesync/internal/remote"
	"fridgesync/internal/store"
)

// Options carries what the CLI collects outside the config file.
type Options struct {
	// Passphrase unlocks the age private key when encryption is enabled.
	Passphrase string

	// Stderr receives console log output; nil keeps logs in the file only.
	Stderr io.Writer

	HTTPClient *http.Client
	Clock      fridge.Clock
	IDs        fridge.IDGenerator
}

// App is the application layer between the CLI and the fridge service and
// sync engine. It constructs all dependencies from config, exposes the
// operations that need bookkeeping, and releases resources on Close.
type App struct {
	cfg     *config.Config
	blobs   fridge.BlobStore
	closer  io.Closer
	repos   *fridge.Repositories
	service *fridge.Service
	engine  *fridge.Engine
	tokens  *remote.FileTokenSource
	clock   fridge.Clock
	logger  *slog.Logger
	logFile io.Closer
	op      *Operation
	run     *SyncRun
}

// New creates a fully wired App from cfg. operation names the CLI command
// being run (e.g. "AddProduct", "Sync"). The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation, parameters string, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = fridge.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = fridge.UUIDGenerator{}
	}

	op := NewOperation(operation, parameters, clock.Now())
	logger, logFile, err := newLogger(logOptions{
		Dir:        cfg.LogDir,
		OpID:       op.ID,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Stderr:     opts.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	keyring, err := encryption.KeyringFromConfig(cfg.Encryption, opts.Passphrase)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("unlocking encryption keys: %w", err)
	}
	var cipher store.Cipher
	if keyring != nil {
		cipher = keyring
	}

	if cfg.Store.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0700); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	blobs, closer, err := store.NewStoreFromConfig(ctx, cfg.Store, cipher)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	repos := fridge.NewRepositories(blobs, clock, ids)
	tokens := remote.NewFileTokenSource(cfg.Remote.TokenPath, clock)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	remotes := remote.NewRemotes(remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		HTTPClient: httpClient,
		Tokens:     tokens,
		DeviceID:   cfg.DeviceID,
		Logger:     log,
	})
	engine := fridge.NewEngine(repos, remotes, log, clock, fridge.EngineOptions{
		CallTimeout: cfg.Remote.Timeout(),
		Parallelism: cfg.Sync.Parallelism,
	})

	logger.Debug("operation started", "operation", operation, "store", cfg.Store.Type, "encrypted", cipher != nil)

	return &App{
		cfg:     cfg,
		blobs:   blobs,
		closer:  closer,
		repos:   repos,
		service: fridge.NewService(repos, log, clock),
		engine:  engine,
		tokens:  tokens,
		clock:   clock,
		logger:  logger,
		logFile: logFile,
		op:      op,
	}, nil
}

// Service returns the local-first CRUD service.
func (a *App) Service() *fridge.Service { return a.service }

// Operation returns the bookkeeping record of the running command.
func (a *App) Operation() *Operation { return a.op }

// Fail marks the running command as failed. Close logs the outcome.
func (a *App) Fail(err error) { a.op.Fail(err) }

// parseOnly turns the --only flag into kinds. Empty means every kind.
func parseOnly(only string) ([]fridge.Kind, error) {
	if only == "" {
		return fridge.Kinds, nil
	}
	var kinds []fridge.Kind
	for _, name := range strings.Split(only, ",") {
		kind, ok := fridge.ParseKind(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown entity kind: %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Sync pushes pending local changes. only restricts the run to a
// comma-separated list of kinds; passes still run in dependency order.
func (a *App) Sync(ctx context.Context, only string) (*fridge.Report, error) {
	kinds, err := parseOnly(only)
	if err != nil {
		return nil, err
	}

	var report *fridge.Report
	if len(kinds) == len(fridge.Kinds) {
		report, err = a.engine.SyncAll(ctx)
	} else {
		report = &fridge.Report{StartedAt: a.clock.Now()}
		for _, kind := range fridge.Kinds {
			if !slices.Contains(kinds, kind) {
				continue
			}
			var pr *fridge.PassReport
			pr, err = a.engine.Sync(ctx, kind)
			if pr != nil {
				report.Passes = append(report.Passes, pr)
			}
			if err != nil {
				err = fmt.Errorf("syncing %s: %w", kind, err)
				break
			}
		}
		report.FinishedAt = a.clock.Now()
	}

	a.op.Fail(err)
	run := runFromReport(a.op, report, a.clock.Now())
	a.run = &run
	return report, err
}

// Pull refreshes synced local records from the remote service.
func (a *App) Pull(ctx context.Context, only string) ([]*fridge.PullReport, error) {
	kinds, err := parseOnly(only)
	if err != nil {
		return nil, err
	}

	var reports []*fridge.PullReport
	for _, kind := range fridge.Kinds {
		if !slices.Contains(kinds, kind) {
			continue
		}
		r, pullErr := a.engine.Pull(ctx, kind)
		if pullErr != nil {
			err = fmt.Errorf("pulling %s: %w", kind, pullErr)
			break
		}
		reports = append(reports, r)
	}

	a.op.Fail(err)
	run := runFromPull(a.op, reports, a.clock.Now())
	a.run = &run
	return reports, err
}

// Status is the summary shown by `fridgesync status`.
type Status struct {
	Kinds    []fridge.KindStatus
	LastRun  *SyncRun
	Token    remote.TokenInfo
	TokenOK  bool
	TokenErr error
}

// Status counts pending records and reports the last run and the credential.
func (a *App) Status(ctx context.Context) (*Status, error) {
	kinds, err := a.service.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Kinds: kinds}

	runs, err := loadHistory(ctx, a.blobs)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		st.LastRun = &last
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		st.TokenErr = err
	} else {
		st.TokenOK = true
		st.Token = remote.Inspect(token)
	}
	return st, nil
}

// History returns up to limit recorded sync and pull runs, newest first.
func (a *App) History(ctx context.Context, limit int) ([]SyncRun, error) {
	runs, err := loadHistory(ctx, a.blobs)
	if err != nil {
		return nil, err
	}
	out := make([]SyncRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, runs[i])
	}
	return out, nil
}

// Close records the run history for sync and pull operations, closes the
// store and flushes the log.
func (a *App) Close() error {
	var firstErr error

	if a.run != nil {
		if err := appendHistory(context.Background(), a.blobs, *a.run); err != nil {
			firstErr = err
		}
	}

	if a.op.Failed() {
		a.logger.Error("operation failed", "operation", a.op.Name, "error", a.op.Err)
	} else {
		a.logger.Debug("operation finished", "operation", a.op.Name)
	}

	if err := a.closer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if err := a.logFile.Close(); err != nil && firstErr == nil && !errors.Is(err, os.ErrClosed) {
		firstErr = fmt.Errorf("closing log: %w", err)
	}
	return firstErr
}
