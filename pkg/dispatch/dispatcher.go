// Package dispatch accepts deliberation requests, settles credits,
// spawns scheduler tasks detached from the request lifecycle, and
// tracks them in a process-wide registry keyed by conversation id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/decideplease/councild/pkg/config"
	"github.com/decideplease/councild/pkg/council"
	"github.com/decideplease/councild/pkg/models"
	"github.com/decideplease/councild/pkg/store"
)

var (
	// ErrShuttingDown rejects new submissions during shutdown.
	ErrShuttingDown = errors.New("dispatcher is shutting down")

	// ErrDeliberationActive means a run is already in flight for this
	// conversation.
	ErrDeliberationActive = errors.New("a deliberation is already running for this conversation")
)

// ValidationError is a client-input problem detected before any credits
// move.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	GetOrCreateUser(ctx context.Context, userID, email string) (*models.User, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
	AppendQuestion(ctx context.Context, conversationID, content string) (int64, error)
	ReserveCredits(ctx context.Context, userID string, amount int) (int, error)
	RefundCredits(ctx context.Context, userID string, amount int) (int, error)
	LastAnswer(ctx context.Context, conversationID string) (*models.Message, error)
	TrailingQuestion(ctx context.Context, conversationID string) (*models.Message, error)
	OriginalQuestion(ctx context.Context, conversationID string) (string, error)
	Stage3ByID(ctx context.Context, conversationID string, messageID int64) (*models.StageFinal, error)
	DeleteQuestionByID(ctx context.Context, conversationID, userID string, messageID int64) error
}

// Runner executes one deliberation; *council.Scheduler satisfies it.
type Runner interface {
	Run(ctx context.Context, req council.Request, q *council.Queue)
}

// SubmitRequest is one incoming deliberation request.
type SubmitRequest struct {
	Content        string
	Mode           string
	Attachments    []models.Attachment
	IsRerun        bool
	RerunInput     string
	SourceAnswerID *int64
}

// StatusResponse reports whether a conversation has a deliberation in
// flight, and if not, whether a prior submission left an orphan behind.
type StatusResponse struct {
	Processing      bool             `json:"processing"`
	CurrentStage    string           `json:"current_stage,omitempty"`
	Orphaned        bool             `json:"orphaned,omitempty"`
	OrphanedMessage *OrphanedMessage `json:"orphaned_message,omitempty"`
}

// OrphanedMessage identifies a trailing question whose run failed.
type OrphanedMessage struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type activeRun struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	stage string
}

func (r *activeRun) setStage(stage string) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
}

func (r *activeRun) currentStage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Dispatcher owns the registry of running deliberations.
type Dispatcher struct {
	store             Store
	runner            Runner
	maxQuestionLength int

	mu      sync.RWMutex
	active  map[string]*activeRun // conversationID → run
	wg      sync.WaitGroup
	stopped bool
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(st Store, runner Runner, maxQuestionLength int) *Dispatcher {
	if maxQuestionLength <= 0 {
		maxQuestionLength = 100_000
	}
	return &Dispatcher{
		store:             st,
		runner:            runner,
		maxQuestionLength: maxQuestionLength,
		active:            make(map[string]*activeRun),
	}
}

// Submit validates the request, reserves credits, appends the question,
// and spawns a detached scheduler task. The returned queue carries the
// run's events; the caller reads it until the sentinel. Client
// disconnect drops the reader only, never the run.
func (d *Dispatcher) Submit(ctx context.Context, user *models.User, conversationID string, req SubmitRequest) (*council.Queue, error) {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	if _, running := d.active[conversationID]; running {
		d.mu.RUnlock()
		return nil, ErrDeliberationActive
	}
	d.mu.RUnlock()

	conv, err := d.store.GetConversation(ctx, conversationID, user.ID)
	if err != nil {
		return nil, err
	}

	if err := d.validate(req); err != nil {
		return nil, err
	}
	mode, err := config.ResolveMode(req.Mode)
	if err != nil {
		return nil, &ValidationError{Field: "mode", Message: err.Error()}
	}

	// Reserve strictly after all validation: a rejected request must
	// never touch the ledger.
	cost := mode.CreditCost
	if len(req.Attachments) > 0 {
		cost += config.AttachmentCreditCost
	}
	reserved := 0
	remaining := user.Credits
	if !config.BypassCredits(user.Role) {
		remaining, err = d.store.ReserveCredits(ctx, user.ID, cost)
		if err != nil {
			return nil, err
		}
		reserved = cost
	}

	schedReq, err := d.buildRequest(ctx, user, conv, req, mode, reserved, remaining)
	if err != nil {
		d.compensate(user, reserved)
		return nil, err
	}

	if !req.IsRerun {
		if _, err := d.store.AppendQuestion(ctx, conversationID, req.Content); err != nil {
			d.compensate(user, reserved)
			return nil, err
		}
	}

	return d.spawn(conversationID, schedReq)
}

func (d *Dispatcher) validate(req SubmitRequest) error {
	content := strings.TrimSpace(req.Content)
	if content == "" && !req.IsRerun {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	if len(req.Content) > d.maxQuestionLength {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("exceeds %d characters", d.maxQuestionLength)}
	}
	if len(req.RerunInput) > d.maxQuestionLength {
		return &ValidationError{Field: "rerun_input", Message: fmt.Sprintf("exceeds %d characters", d.maxQuestionLength)}
	}
	for _, att := range req.Attachments {
		switch att.Kind {
		case models.AttachmentImage:
			if att.DataURI == "" {
				return &ValidationError{Field: "attachments", Message: fmt.Sprintf("image %q has no data", att.Filename)}
			}
		case models.AttachmentDocument:
			if att.ExtractedText == "" {
				return &ValidationError{Field: "attachments", Message: fmt.Sprintf("document %q has no extracted text", att.Filename)}
			}
		default:
			return &ValidationError{Field: "attachments", Message: fmt.Sprintf("unknown kind %q", att.Kind)}
		}
	}
	return nil
}

// buildRequest resolves the conversation context the scheduler needs:
// prior final answer for follow-ups, TL;DR source and original question
// for reruns, and whether a title should be generated.
func (d *Dispatcher) buildRequest(ctx context.Context, user *models.User, conv *models.Conversation, req SubmitRequest, mode config.RunMode, reserved, remaining int) (council.Request, error) {
	out := council.Request{
		ConversationID:   conv.ID,
		UserID:           user.ID,
		Question:         req.Content,
		Mode:             mode,
		Attachments:      req.Attachments,
		IsRerun:          req.IsRerun,
		RerunInput:       req.RerunInput,
		SourceAnswerID:   req.SourceAnswerID,
		ReservedCredits:  reserved,
		RemainingCredits: remaining,
		GenerateTitle:    len(conv.Messages) == 0 && !req.IsRerun,
	}

	if req.IsRerun {
		prior, err := d.store.LastAnswer(ctx, conv.ID)
		if err != nil {
			return council.Request{}, fmt.Errorf("rerun without a committed answer: %w", err)
		}
		priorID := prior.ID
		final := prior.Stage3
		if req.SourceAnswerID != nil {
			priorID = *req.SourceAnswerID
			final, err = d.store.Stage3ByID(ctx, conv.ID, priorID)
			if err != nil {
				return council.Request{}, err
			}
		}
		original, err := d.store.OriginalQuestion(ctx, conv.ID)
		if err != nil {
			return council.Request{}, err
		}
		out.SourceAnswerID = &priorID
		out.PriorFinalText = final.Response
		out.OriginalQuestion = original
		out.Question = original
		return out, nil
	}

	// Follow-up: the conversation already carries a committed answer.
	prior, err := d.store.LastAnswer(ctx, conv.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, nil
		}
		return council.Request{}, err
	}
	out.IsFollowup = true
	out.PriorSummary = prior.ContextSummary
	if req.SourceAnswerID != nil {
		final, err := d.store.Stage3ByID(ctx, conv.ID, *req.SourceAnswerID)
		if err != nil {
			return council.Request{}, err
		}
		out.PriorFinalText = final.Response
	} else if prior.Stage3 != nil {
		out.PriorFinalText = prior.Stage3.Response
	}
	return out, nil
}

// spawn registers the run and launches the scheduler on a detached
// context so the HTTP request's lifecycle cannot cancel it.
func (d *Dispatcher) spawn(conversationID string, req council.Request) (*council.Queue, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, stage: council.StagePrep}
	req.OnStage = run.setStage

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		cancel()
		d.compensate(&models.User{ID: req.UserID}, req.ReservedCredits)
		return nil, ErrShuttingDown
	}
	if _, running := d.active[conversationID]; running {
		d.mu.Unlock()
		cancel()
		d.compensate(&models.User{ID: req.UserID}, req.ReservedCredits)
		return nil, ErrDeliberationActive
	}
	d.active[conversationID] = run
	d.wg.Add(1)
	d.mu.Unlock()

	q := council.NewQueue()
	go func() {
		defer d.wg.Done()
		defer d.unregister(conversationID)
		defer cancel()
		d.runner.Run(runCtx, req, q)
	}()

	return q, nil
}

// compensate refunds a reservation when submission fails after the
// ledger was already charged.
func (d *Dispatcher) compensate(user *models.User, reserved int) {
	if reserved == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.store.RefundCredits(ctx, user.ID, reserved); err != nil {
		slog.Error("Refund failed after submit error", "user_id", user.ID, "credits", reserved, "error", err)
	}
}

func (d *Dispatcher) unregister(conversationID string) {
	d.mu.Lock()
	delete(d.active, conversationID)
	d.mu.Unlock()
}

// Status reports run state for a conversation. With no registered run
// it consults the transcript: a committed answer means done; a trailing
// question means the prior submission failed and can be retried.
func (d *Dispatcher) Status(ctx context.Context, conversationID, userID string) (*StatusResponse, error) {
	if _, err := d.store.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	d.mu.RLock()
	run, running := d.active[conversationID]
	d.mu.RUnlock()
	if running {
		return &StatusResponse{Processing: true, CurrentStage: run.currentStage()}, nil
	}

	trailing, err := d.store.TrailingQuestion(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &StatusResponse{Processing: false}, nil
		}
		return nil, err
	}
	return &StatusResponse{
		Processing: false,
		Orphaned:   true,
		OrphanedMessage: &OrphanedMessage{
			ID:        trailing.ID,
			Content:   trailing.Content,
			CreatedAt: trailing.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Cancel requests cooperative cancellation of the running deliberation.
// Returns false when nothing is running. The scheduler observes the
// cancellation at its next suspension point and exits via its failure
// path, refunding credits.
func (d *Dispatcher) Cancel(conversationID string) bool {
	d.mu.Lock()
	run, ok := d.active[conversationID]
	if ok {
		delete(d.active, conversationID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Retry re-dispatches an orphaned question: the orphan is deleted so
// the final transcript holds exactly one question, then the request is
// submitted fresh with the orphan's text.
func (d *Dispatcher) Retry(ctx context.Context, user *models.User, conversationID string, messageID int64, modeName string) (*council.Queue, error) {
	conv, err := d.store.GetConversation(ctx, conversationID, user.ID)
	if err != nil {
		return nil, err
	}

	var content string
	found := false
	for _, msg := range conv.Messages {
		if msg.ID == messageID {
			if msg.Role != models.RoleUser {
				return nil, store.ErrNotQuestion
			}
			content = msg.Content
			found = true
			break
		}
	}
	if !found {
		return nil, store.ErrNotFound
	}

	if err := d.store.DeleteQuestionByID(ctx, conversationID, user.ID, messageID); err != nil {
		return nil, err
	}

	return d.Submit(ctx, user, conversationID, SubmitRequest{Content: content, Mode: modeName})
}

// Stop rejects new submissions, cancels all running deliberations, and
// waits for their tasks to post sentinels and exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancels := make([]context.CancelFunc, 0, len(d.active))
	for _, run := range d.active {
		cancels = append(cancels, run.cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	d.wg.Wait()
}
