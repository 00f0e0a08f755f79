package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/ledger"
)

// User-facing notices.
const (
	NoticeDownloading       = "📥 Downloading your Instagram media, please wait..."
	NoticeAlreadyDownloaded = "✅ Already downloaded!"
	NoticeFileMissing       = "❌ Downloaded but file not found."
	NoticeTimedOut          = "❌ Failed: the download took too long. Please try again."
)

// Config configures media retrieval.
type Config struct {
	DownloadDir          string        `yaml:"download_dir"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	FollowerWait         time.Duration `yaml:"follower_wait"`
	MaxConcurrentFetches int64         `yaml:"max_concurrent_fetches"`
	LinkPatterns         []string      `yaml:"link_patterns"`
	ArtifactTTL          time.Duration `yaml:"artifact_ttl"`
	YTDLP                YTDLPConfig   `yaml:"ytdlp"`
}

// Effective returns a copy with defaults applied.
func (c Config) Effective() Config {
	if c.DownloadDir == "" {
		c.DownloadDir = "./data/downloads"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 180 * time.Second
	}
	if c.FollowerWait <= 0 {
		c.FollowerWait = c.ProbeTimeout + c.FetchTimeout + time.Minute
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 2
	}
	if c.ArtifactTTL <= 0 {
		c.ArtifactTTL = time.Hour
	}
	return c
}

// Replier sends replies back to the user who triggered the job.
type Replier interface {
	Text(ctx context.Context, text string) error
	Media(ctx context.Context, media *channels.MediaMessage) error
}

// Result is the outcome observed by one caller of Handle.
type Result struct {
	JobID string
	Role  ledger.Role
	State ledger.State
	Err   error
}

// Handler runs deduplicated media retrievals.
type Handler struct {
	cfg       Config
	ledger    *ledger.Ledger
	fetcher   Fetcher
	artifacts *Artifacts
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

// NewHandler creates a media handler.
func NewHandler(l *ledger.Ledger, fetcher Fetcher, artifacts *Artifacts, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Handler{
		cfg:       cfg,
		ledger:    l,
		fetcher:   fetcher,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		logger:    logger.With("component", "media"),
	}
}

// Handle retrieves url for the job and delivers it through reply. Only the
// Leader fetches; Followers wait for the leader's outcome and send nothing.
func (h *Handler) Handle(ctx context.Context, jobID, url string, reply Replier) Result {
	logger := h.logger.With("job_id", jobID)

	job, role := h.ledger.BeginOrJoin(jobID)
	if role == ledger.Follower {
		wctx, cancel := context.WithTimeout(ctx, h.cfg.FollowerWait)
		defer cancel()
		st, err := job.Wait(wctx)
		logger.Info("duplicate media request joined existing job", "state", st.String())
		return Result{JobID: jobID, Role: role, State: st, Err: err}
	}

	res := h.lead(ctx, job, url, reply, logger)
	res.JobID = jobID
	res.Role = ledger.Leader
	return res
}

func (h *Handler) lead(ctx context.Context, job *ledger.Job, url string, reply Replier, logger *slog.Logger) Result {
	h.notify(ctx, reply, NoticeDownloading, logger)

	if err := h.artifacts.EnsureDir(); err != nil {
		return h.fail(ctx, job, reply, &FetchError{Stage: "locate", URL: url, Err: err}, logger)
	}

	if path, ok, err := h.artifacts.Find(job.ID); err != nil {
		logger.Warn("artifact lookup failed", "error", err)
	} else if ok {
		logger.Info("delivering existing artifact", "path", path)
		return h.finish(ctx, job, reply, path, NoticeAlreadyDownloaded, logger)
	}

	path, caption, err := h.fetch(ctx, job.ID, url, logger)
	if err != nil {
		return h.fail(ctx, job, reply, err, logger)
	}

	return h.finish(ctx, job, reply, path, caption, logger)
}

// fetch probes and downloads while holding a slot of the fetch semaphore.
func (h *Handler) fetch(ctx context.Context, jobID, url string, logger *slog.Logger) (string, string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", "", &FetchError{Stage: "fetch", URL: url, Err: err}
	}
	defer h.sem.Release(1)

	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	meta, err := h.fetcher.Probe(pctx, url)
	cancel()
	if err != nil {
		logger.Debug("metadata probe failed, using default caption", "error", err)
	}
	caption := BuildCaption(meta)

	fctx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	path, err := h.fetcher.Fetch(fctx, url, h.artifacts.Prefix(jobID))
	if err != nil {
		if fctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", fctx.Err(), err)
		}
		return "", "", &FetchError{Stage: "fetch", URL: url, Err: err}
	}

	if path == "" {
		path, _, _ = h.artifacts.Find(jobID)
	}
	if info, serr := os.Stat(path); path == "" || serr != nil || info.Size() == 0 {
		return "", "", &FetchError{Stage: "locate", URL: url, Err: ErrArtifactMissing}
	}

	logger.Info("media fetched", "path", path, "duration_ms", time.Since(start).Milliseconds())
	return path, caption, nil
}

// finish delivers the artifact. A delivered job is marked Done and its
// artifact removed. An undelivered job fails, which releases the key, and the
// artifact stays so a resend of the message delivers it without refetching.
func (h *Handler) finish(ctx context.Context, job *ledger.Job, reply Replier, path, caption string, logger *slog.Logger) Result {
	if !h.deliver(ctx, reply, path, caption, logger) {
		if err := h.ledger.Fail(job, ErrDeliveryFailed); err != nil {
			logger.Error("job failure rejected", "error", err)
		}
		return Result{State: ledger.StateFailed, Err: ErrDeliveryFailed}
	}

	if err := h.ledger.Complete(job, path); err != nil {
		logger.Error("job completion rejected", "error", err)
	}
	if n := h.artifacts.Remove(job.ID); n == 0 {
		logger.Warn("artifact cleanup removed nothing", "path", path)
	}
	return Result{State: ledger.StateDone}
}

func (h *Handler) deliver(ctx context.Context, reply Replier, path, caption string, logger *slog.Logger) bool {
	mimeType, err := DetectFileMimeType(path)
	if err != nil {
		logger.Warn("failed to read artifact", "path", path, "error", err)
		return false
	}
	msg := &channels.MediaMessage{
		Type:     MessageTypeFor(mimeType),
		Path:     path,
		MimeType: mimeType,
		Filename: filepath.Base(path),
		Caption:  caption,
	}
	if err := reply.Media(ctx, msg); err != nil {
		logger.Warn("media delivery failed", "path", path, "error", err)
		return false
	}
	return true
}

func (h *Handler) fail(ctx context.Context, job *ledger.Job, reply Replier, err error, logger *slog.Logger) Result {
	removed := h.artifacts.Remove(job.ID)
	if ferr := h.ledger.Fail(job, err); ferr != nil {
		logger.Error("job failure rejected", "error", ferr)
	}
	logger.Warn("media retrieval failed", "error", err, "partial_removed", removed)

	h.notify(ctx, reply, failureNotice(err), logger)
	return Result{State: ledger.StateFailed, Err: err}
}

func (h *Handler) notify(ctx context.Context, reply Replier, text string, logger *slog.Logger) {
	if err := reply.Text(ctx, text); err != nil {
		logger.Warn("failed to send notice", "error", err)
	}
}

func failureNotice(err error) string {
	var ferr *FetchError
	if errors.As(err, &ferr) && ferr.Timeout() {
		return NoticeTimedOut
	}
	if errors.Is(err, ErrArtifactMissing) {
		return NoticeFileMissing
	}
	cause := err
	if ferr != nil {
		cause = ferr.Err
	}
	msg := cause.Error()
	if r := []rune(msg); len(r) > 200 {
		msg = string(r[:200]) + "…"
	}
	return "❌ Failed: " + msg
}
