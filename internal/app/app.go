package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"petechoes/internal/util"
	"petechoes/pkg/bfl"
	"petechoes/pkg/domain"
	"petechoes/pkg/store"
)

// Generator drives the external image-generation API for one job.
type Generator interface {
	Submit(ctx context.Context, req bfl.GenerationRequest) (bfl.SubmitResult, error)
	Poll(ctx context.Context, pollURL string) (bfl.PollResult, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Generator Generator
	PublicURL string

	// PollInterval and MaxPollAttempts bound the poll loop: with the
	// defaults of 5s and 60 attempts a job gets about five minutes.
	PollInterval    time.Duration
	MaxPollAttempts int

	// MaxConcurrent caps in-flight generation tasks. Zero disables the
	// bound and restores spawn-per-upload behavior.
	MaxConcurrent int
}

// App wires the image store and the generation client together and owns
// the background generation pipeline.
type App struct {
	store           store.Store
	gen             Generator
	publicURL       string
	pollInterval    time.Duration
	maxPollAttempts int
	sem             *semaphore.Weighted
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator required")
	}
	publicURL := strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	if publicURL == "" {
		return nil, errors.New("public URL required")
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxPollAttempts := cfg.MaxPollAttempts
	if maxPollAttempts <= 0 {
		maxPollAttempts = 60
	}
	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return &App{
		store:           cfg.Store,
		gen:             cfg.Generator,
		publicURL:       publicURL,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		sem:             sem,
	}, nil
}

// profile selects prompt and framing for a generation task.
type profile struct {
	name        string
	prompt      string
	aspectRatio string
	// withBackground adds the studio background as a best-effort extra
	// reference image; upstream multi-image support is unverified.
	withBackground bool
}

const studioPrompt = `Create an anime-style pet memorial photo by placing the pet from the input image into the photography studio scene from the reference image. Keep the studio layout, warm golden lighting, camera and tripod exactly as in the reference. Transform the pet into a cute anime style while preserving its original characteristics, sitting calmly on the wooden chair and looking towards the camera.`

const memoryPrompt = `Transform this photo into a warm, anime-style illustration with the cozy atmosphere of a pet photography studio. Use soft pastels and warm golden lighting, keep all objects recognizable but stylized, and create a heartwarming, memorial-like mood.`

func studioProfile() profile {
	return profile{
		name:           "studio",
		prompt:         studioPrompt,
		aspectRatio:    "9:20",
		withBackground: true,
	}
}

func memoryProfile() profile {
	return profile{
		name:        "memory",
		prompt:      memoryPrompt,
		aspectRatio: "1:1",
	}
}

// UploadImage persists the original bytes and spawns the studio
// generation task. It returns as soon as the record is committed.
func (a *App) UploadImage(ctx context.Context, data []byte) (int64, error) {
	return a.upload(ctx, data, studioProfile())
}

// UploadMemoryPhoto persists a memory photo and spawns its stylization
// task. photoIndex only labels the task in logs; the client orders its
// own gallery.
func (a *App) UploadMemoryPhoto(ctx context.Context, data []byte, photoIndex int) (int64, error) {
	id, err := a.upload(ctx, data, memoryProfile())
	if err == nil {
		util.LoggerFromContext(ctx).Info("memory photo queued", "image_id", id, "photo_index", photoIndex)
	}
	return id, err
}

func (a *App) upload(ctx context.Context, data []byte, p profile) (int64, error) {
	if len(data) == 0 {
		return 0, errors.New("empty image data")
	}
	id, err := a.store.CreateImage(data)
	if err != nil {
		return 0, fmt.Errorf("save image: %w", err)
	}
	go a.generate(id, p)
	return id, nil
}

// Status reports status-endpoint data for a record.
func (a *App) Status(id int64) (domain.StatusInfo, bool, error) {
	return a.store.GetStatus(id)
}

// Image fetches one blob of a record.
func (a *App) Image(id int64, kind domain.ImageKind) ([]byte, bool, error) {
	return a.store.GetImage(id, kind)
}

// StudioBackground returns the active studio background bytes.
func (a *App) StudioBackground() ([]byte, bool, error) {
	return a.store.ActiveStudioBackground()
}

// ReplaceStudioBackground swaps the active studio background.
func (a *App) ReplaceStudioBackground(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty image data")
	}
	return a.store.ReplaceStudioBackground(data)
}

// GeneratedImageURL builds the public URL clients use to fetch a result.
func (a *App) GeneratedImageURL(id int64) string {
	return fmt.Sprintf("%s/image/%d?type=generated", a.publicURL, id)
}

func (a *App) originalImageURL(id int64) string {
	return fmt.Sprintf("%s/image/%d?type=original", a.publicURL, id)
}

func (a *App) studioBackgroundURL() string {
	return a.publicURL + "/studio-background"
}

// generate is the background task for one record. All failure paths end
// in a single terminal store write; nothing propagates to the uploader,
// which has already been answered. If the process dies mid-poll the
// record stays in processing forever — there is no poll-state
// persistence, which is an accepted limitation of this design.
func (a *App) generate(imageID int64, p profile) {
	taskID := util.NewID()
	logger := slog.Default().With("task_id", taskID, "image_id", imageID, "profile", p.name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("generation task panicked", "panic", r)
			a.fail(imageID, logger)
		}
	}()

	ctx := context.Background()
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			a.fail(imageID, logger)
			return
		}
		defer a.sem.Release(1)
	}

	req := a.buildRequest(imageID, p)
	if params, err := json.Marshal(req); err == nil {
		if err := a.store.SetGenerationParams(imageID, params); err != nil {
			logger.Warn("record generation params failed", "err", err)
		}
	}

	submitted, err := a.gen.Submit(ctx, req)
	if err != nil {
		var apiErr *bfl.APIError
		if errors.As(err, &apiErr) {
			logger.Error("generation request rejected", "status", apiErr.StatusCode, "body", apiErr.Body)
		} else {
			logger.Error("generation request failed", "err", err)
		}
		a.fail(imageID, logger)
		return
	}

	resultURL := submitted.ResultURL
	if !submitted.Immediate() {
		logger.Info("generation task accepted", "upstream_task_id", submitted.TaskID)
		resultURL = a.pollUntilReady(ctx, submitted.PollURL, logger)
		if resultURL == "" {
			a.fail(imageID, logger)
			return
		}
	}

	data, err := a.gen.Download(ctx, resultURL)
	if err != nil {
		logger.Error("download generated image failed", "err", err)
		a.fail(imageID, logger)
		return
	}

	// A store failure here would drop a successfully generated image, so
	// retry the write once and log loudly before giving up.
	if err := a.store.SetResult(imageID, data); err != nil {
		logger.Error("persist generated image failed, retrying once", "err", err)
		if err := a.store.SetResult(imageID, data); err != nil {
			logger.Error("persist generated image failed after retry, dropping result", "err", err, "bytes", len(data))
			a.fail(imageID, logger)
			return
		}
	}
	logger.Info("generation completed", "bytes", len(data))
}

// pollUntilReady polls at a fixed interval with a bounded attempt count.
// Transient poll errors consume an attempt and the loop continues; only
// an explicit failure or exhaustion ends it without a result.
func (a *App) pollUntilReady(ctx context.Context, pollURL string, logger *slog.Logger) string {
	for attempt := 1; attempt <= a.maxPollAttempts; attempt++ {
		res, err := a.gen.Poll(ctx, pollURL)
		if err != nil {
			logger.Warn("poll attempt failed", "attempt", attempt, "err", err)
			time.Sleep(a.pollInterval)
			continue
		}
		switch res.State {
		case bfl.PollReady:
			logger.Info("generation ready", "attempt", attempt)
			return res.ResultURL
		case bfl.PollFailed:
			logger.Error("generation failed upstream", "attempt", attempt)
			return ""
		}
		time.Sleep(a.pollInterval)
	}
	logger.Error("polling exhausted", "attempts", a.maxPollAttempts)
	return ""
}

func (a *App) buildRequest(imageID int64, p profile) bfl.GenerationRequest {
	req := bfl.GenerationRequest{
		Prompt:          p.prompt,
		InputImage:      a.originalImageURL(imageID),
		Seed:            42,
		AspectRatio:     p.aspectRatio,
		OutputFormat:    "jpeg",
		SafetyTolerance: 2,
	}
	if p.withBackground {
		req.ReferenceImages = map[string]string{
			"reference_image": a.studioBackgroundURL(),
		}
	}
	return req
}

func (a *App) fail(imageID int64, logger *slog.Logger) {
	if err := a.store.SetStatus(imageID, domain.StatusFailed); err != nil {
		logger.Error("mark image failed errored", "err", err)
	}
}
