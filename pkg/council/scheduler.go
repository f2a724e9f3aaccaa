package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/decideplease/councild/pkg/config"
	"github.com/decideplease/councild/pkg/llm"
	"github.com/decideplease/councild/pkg/models"
	"github.com/decideplease/councild/pkg/store"
)

// Stage labels reported through heartbeats and the dispatcher registry.
const (
	StagePrep    = "preparing"
	Stage1       = "stage1"
	Stage15      = "stage1_5"
	Stage2       = "stage2"
	Stage3       = "stage3"
	StageCommit  = "commit"
	titleTimeout = 30 * time.Second
)

// moderatorFailureText is committed as stage 3 when the moderator
// endpoint itself fails after retries.
const moderatorFailureText = "Error: Unable to generate final synthesis."

// ErrAllEndpointsFailed means no decision maker produced a stage-1
// response; the deliberation cannot proceed.
var ErrAllEndpointsFailed = errors.New("all models failed to respond")

// TranscriptStore is the slice of the store the scheduler commits
// through.
type TranscriptStore interface {
	CommitAnswer(ctx context.Context, conversationID string, p store.CommitAnswerParams) (int64, error)
	SaveContextSummary(ctx context.Context, messageID int64, summary *models.ContextSummary) error
	UpdateTitle(ctx context.Context, conversationID, userID, title string) error
}

// CreditLedger is the slice of the store the scheduler compensates
// through on failure.
type CreditLedger interface {
	RefundCredits(ctx context.Context, userID string, amount int) (int, error)
}

// Request is one deliberation to run. The dispatcher resolves all
// conversation context (prior final answer, context summary, original
// question) before spawning the scheduler, so the scheduler itself
// never reads the transcript.
type Request struct {
	ConversationID string
	UserID         string
	Question       string
	Mode           config.RunMode
	Attachments    []models.Attachment

	// Rerun linkage.
	IsRerun        bool
	RerunInput     string
	SourceAnswerID *int64

	// Context resolved by the dispatcher.
	IsFollowup       bool
	PriorFinalText   string
	PriorSummary     *models.ContextSummary
	OriginalQuestion string

	// Credit accounting, already settled by the dispatcher. Reserved
	// is zero for bypass principals; Remaining is the balance to
	// report in the complete event.
	ReservedCredits  int
	RemainingCredits int

	// GenerateTitle spawns the title subtask (first question only).
	GenerateTitle bool

	// OnStage, when set, receives each stage label as the machine
	// advances. Used by the dispatcher registry.
	OnStage func(stage string)
}

// Scheduler drives the deliberation stage machine for one request.
type Scheduler struct {
	upstream          llm.Querier
	transcripts       TranscriptStore
	ledger            CreditLedger
	heartbeatInterval time.Duration
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(upstream llm.Querier, transcripts TranscriptStore, ledger CreditLedger) *Scheduler {
	return &Scheduler{
		upstream:          upstream,
		transcripts:       transcripts,
		ledger:            ledger,
		heartbeatInterval: 2 * time.Second,
	}
}

// Run executes the deliberation and closes the queue when done. On any
// failure the reserved credits are refunded before the sentinel is
// posted; the success path never refunds.
func (s *Scheduler) Run(ctx context.Context, req Request, q *Queue) {
	defer q.Close()

	if err := s.run(ctx, req, q); err != nil {
		slog.Error("Deliberation failed",
			"conversation_id", req.ConversationID, "mode", req.Mode.Name, "error", err)
		if req.ReservedCredits > 0 {
			// Refund must not be lost to the cancellation that may
			// have failed the run.
			refundCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, rerr := s.ledger.RefundCredits(refundCtx, req.UserID, req.ReservedCredits); rerr != nil {
				slog.Error("Refund failed after deliberation failure",
					"user_id", req.UserID, "credits", req.ReservedCredits, "error", rerr)
			}
		}
		q.Put(NewEvent(EventError, map[string]any{"message": err.Error()}))
	}
}

func (s *Scheduler) run(ctx context.Context, req Request, q *Queue) error {
	s.setStage(req, StagePrep)
	q.Put(NewEvent(EventRunStarted, map[string]any{
		"mode":     req.Mode.Name,
		"is_rerun": req.IsRerun,
	}))

	var titleCh chan string
	if req.GenerateTitle && !req.IsRerun && !req.IsFollowup {
		titleCh = make(chan string, 1)
		go func() {
			titleCh <- s.generateTitle(ctx, req.Question)
		}()
	}

	effectiveQuery := s.effectiveQuery(req)

	q.Put(NewEvent(EventStagePreparing, map[string]any{
		"next_stage": Stage1,
		"status":     "querying decision makers",
	}))

	// S1: fan out to the mode's endpoint pool.
	stage1, err := s.runStage1(ctx, req, q, effectiveQuery)
	if err != nil {
		return err
	}

	// S1.5: cross-review, highest mode only.
	forRanking := stage1
	var stage15 []models.StageResponse
	if req.Mode.EnableCrossReview {
		stage15 = s.runStage15(ctx, req, q, effectiveQuery, stage1)
		if len(stage15) > 0 {
			forRanking = stage15
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// S2: peer ranking, unless the mode disables it.
	var stage2 []models.StageRanking
	var aggregate []models.AggregateRanking
	if req.Mode.EnablePeerReview {
		stage2, aggregate = s.runStage2(ctx, req, q, effectiveQuery, forRanking)
	} else {
		q.Put(NewEvent(EventStage2Skipped, map[string]any{
			"reason": "peer review disabled for this mode",
		}))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// S3: moderator synthesis with echo handling.
	final := s.runStage3(ctx, req, q, effectiveQuery, forRanking, stage2)
	if err := ctx.Err(); err != nil {
		return err
	}

	// COMMIT: the transcript appears atomically, strictly after
	// stage3_complete and strictly before complete.
	s.setStage(req, StageCommit)
	messageID, err := s.transcripts.CommitAnswer(ctx, req.ConversationID, store.CommitAnswerParams{
		Stage1:     stage1,
		Stage15:    stage15,
		Stage2:     stage2,
		Stage3:     final,
		Mode:       req.Mode.Name,
		IsRerun:    req.IsRerun,
		RerunInput: req.RerunInput,
		ParentID:   req.SourceAnswerID,
	})
	if err != nil {
		return fmt.Errorf("failed to commit deliberation: %w", err)
	}

	summary := BuildContextSummary(req.Question, stage1, final, aggregate)
	if err := s.transcripts.SaveContextSummary(ctx, messageID, summary); err != nil {
		slog.Warn("Context summary save failed",
			"conversation_id", req.ConversationID, "message_id", messageID, "error", err)
	}

	if titleCh != nil {
		select {
		case title := <-titleCh:
			if err := s.transcripts.UpdateTitle(ctx, req.ConversationID, req.UserID, title); err != nil {
				slog.Warn("Title update failed", "conversation_id", req.ConversationID, "error", err)
			} else {
				q.Put(NewEvent(EventTitleComplete, map[string]any{"title": title}))
			}
		case <-ctx.Done():
		}
	}

	q.Put(NewEvent(EventComplete, map[string]any{
		"credits":    req.RemainingCredits,
		"mode":       req.Mode.Name,
		"message_id": messageID,
	}))
	return nil
}

// effectiveQuery derives what the decision makers are actually asked:
// the raw question, a rerun query built from the prior verdict's TL;DR,
// or a follow-up query anchored on the prior final answer.
func (s *Scheduler) effectiveQuery(req Request) string {
	switch {
	case req.IsRerun && req.PriorFinalText != "":
		packet := ExtractTLDRPacket(req.PriorFinalText)
		original := req.OriginalQuestion
		if original == "" {
			original = req.Question
		}
		return BuildRerunQuery(original, packet, req.RerunInput)
	case req.IsFollowup && req.PriorFinalText != "":
		return BuildFollowupQuery(req.PriorFinalText, req.Question, req.PriorSummary, req.Mode.ContextMode)
	default:
		return req.Question
	}
}

func (s *Scheduler) runStage1(ctx context.Context, req Request, q *Queue, effectiveQuery string) ([]models.StageResponse, error) {
	s.setStage(req, Stage1)
	q.Put(NewEvent(EventStage1Start, nil))
	stop := s.startHeartbeat(ctx, q, Stage1)

	var answers map[string]*llm.Answer
	if len(req.Attachments) > 0 {
		var descriptions map[string]string
		if needsImageDescriptions(req.Attachments, req.Mode.DecisionMakers) {
			descriptions = DescribeImages(ctx, s.upstream, req.Attachments)
		}
		perModel := make(map[string][]llm.Message, len(req.Mode.DecisionMakers))
		for _, model := range req.Mode.DecisionMakers {
			perModel[model] = []llm.Message{
				BuildMultimodalMessage(effectiveQuery, req.Attachments, model, descriptions),
			}
		}
		answers = llm.QueryEach(ctx, s.upstream, perModel)
	} else {
		answers = llm.QueryParallel(ctx, s.upstream, req.Mode.DecisionMakers, []llm.Message{llm.TextMessage(effectiveQuery)})
	}
	stop()

	stage1 := collectResponses(req.Mode.DecisionMakers, answers, false)
	if len(stage1) == 0 {
		return nil, ErrAllEndpointsFailed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.Put(NewEvent(EventStage1Complete, map[string]any{"data": stage1}))
	return stage1, nil
}

// runStage15 re-queries every endpoint that answered in stage 1 with an
// individually anonymized view of the other answers. Failures fall back
// to the endpoint's stage-1 answer so the ranking pool keeps its size.
func (s *Scheduler) runStage15(ctx context.Context, req Request, q *Queue, effectiveQuery string, stage1 []models.StageResponse) []models.StageResponse {
	s.setStage(req, Stage15)
	q.Put(NewEvent(EventStage15Start, nil))
	stop := s.startHeartbeat(ctx, q, Stage15)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	perModel := make(map[string][]llm.Message, len(stage1))
	for _, own := range stage1 {
		peers := make([]models.StageResponse, 0, len(stage1)-1)
		for _, other := range stage1 {
			if other.Model != own.Model {
				peers = append(peers, other)
			}
		}
		prompt := buildCrossReviewPrompt(effectiveQuery, own.Response, peers, rng)
		perModel[own.Model] = []llm.Message{llm.TextMessage(prompt)}
	}

	answers := llm.QueryEach(ctx, s.upstream, perModel)

	refined := make([]models.StageResponse, 0, len(stage1))
	refinedCount := 0
	for _, own := range stage1 {
		if answer := answers[own.Model]; answer != nil {
			refined = append(refined, models.StageResponse{
				Model:    own.Model,
				Response: answer.Content,
				Refined:  true,
			})
			refinedCount++
		} else {
			refined = append(refined, own)
		}
	}

	if refinedCount == 0 {
		q.Put(NewEvent(EventStage15Skipped, map[string]any{
			"reason": "cross-review produced no refinements",
		}))
		return nil
	}

	q.Put(NewEvent(EventStage15Complete, map[string]any{"data": refined}))
	return refined
}

func (s *Scheduler) runStage2(ctx context.Context, req Request, q *Queue, effectiveQuery string, responses []models.StageResponse) ([]models.StageRanking, []models.AggregateRanking) {
	s.setStage(req, Stage2)
	q.Put(NewEvent(EventStage2Start, nil))
	stop := s.startHeartbeat(ctx, q, Stage2)
	defer stop()

	prompt, labelToModel := buildRankingPrompt(effectiveQuery, responses)
	answers := llm.QueryParallel(ctx, s.upstream, req.Mode.DecisionMakers, []llm.Message{llm.TextMessage(prompt)})

	rankings := make([]models.StageRanking, 0, len(answers))
	for _, model := range req.Mode.DecisionMakers {
		answer := answers[model]
		if answer == nil {
			continue
		}
		rankings = append(rankings, models.StageRanking{
			Model:         model,
			Ranking:       answer.Content,
			ParsedRanking: ParseRanking(answer.Content),
		})
	}

	aggregate := AggregateRankings(rankings, labelToModel)

	q.Put(NewEvent(EventStage2Complete, map[string]any{
		"data": rankings,
		"metadata": map[string]any{
			"label_to_model":     labelToModel,
			"aggregate_rankings": aggregate,
		},
	}))
	return rankings, aggregate
}

// runStage3 queries the moderator and runs echo remediation: salvage
// the tail when a synthesis marker exists inside the echo, otherwise
// one strict retry, otherwise the canned failure text. Whatever comes
// out is the committed stage 3; moderator trouble never fails the run.
func (s *Scheduler) runStage3(ctx context.Context, req Request, q *Queue, effectiveQuery string, responses []models.StageResponse, rankings []models.StageRanking) *models.StageFinal {
	s.setStage(req, Stage3)
	q.Put(NewEvent(EventStage3Start, nil))
	stop := s.startHeartbeat(ctx, q, Stage3)
	defer stop()

	moderator := req.Mode.ModeratorModel
	text := s.queryModerator(ctx, moderator, buildSynthesisPrompt(effectiveQuery, responses, rankings))

	if text != moderatorFailureText && IsEcho(text, effectiveQuery) {
		if tail, ok := SalvageEcho(text, effectiveQuery); ok {
			text = tail
		} else {
			q.Put(NewEvent(EventRetry, map[string]any{"reason": "echo_detected"}))
			retry := s.queryModerator(ctx, moderator, buildStrictSynthesisPrompt(effectiveQuery, responses, rankings))
			if retry != moderatorFailureText && IsEcho(retry, effectiveQuery) {
				text = echoFailureText
			} else {
				text = retry
			}
		}
	}

	final := &models.StageFinal{Model: moderator, Response: text}
	q.Put(NewEvent(EventStage3Complete, map[string]any{"data": final}))
	return final
}

func (s *Scheduler) queryModerator(ctx context.Context, moderator, prompt string) string {
	answer, err := s.upstream.Query(ctx, moderator, []llm.Message{llm.TextMessage(prompt)})
	if err != nil {
		slog.Warn("Moderator query failed", "model", moderator, "error", err)
		return moderatorFailureText
	}
	return answer.Content
}

func (s *Scheduler) generateTitle(ctx context.Context, question string) string {
	titleCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	answer, err := s.upstream.Query(titleCtx, config.TitleModel, []llm.Message{llm.TextMessage(buildTitlePrompt(question))})
	if err != nil {
		slog.Warn("Title generation failed", "error", err)
		return "New Conversation"
	}

	title := strings.TrimSpace(answer.Content)
	title = strings.Trim(title, `"'`)
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	if title == "" {
		return "New Conversation"
	}
	return title
}

// startHeartbeat emits a heartbeat event every interval until the
// returned stop function runs. The cadence keeps the client transport
// alive through long silent upstream calls.
func (s *Scheduler) startHeartbeat(ctx context.Context, q *Queue, operation string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				q.Put(NewEvent(EventHeartbeat, map[string]any{
					"operation":       operation,
					"elapsed_seconds": int(time.Since(start).Seconds()),
				}))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *Scheduler) setStage(req Request, stage string) {
	if req.OnStage != nil {
		req.OnStage(stage)
	}
}

// collectResponses filters nil answers, preserving pool order.
func collectResponses(pool []string, answers map[string]*llm.Answer, refined bool) []models.StageResponse {
	out := make([]models.StageResponse, 0, len(pool))
	for _, model := range pool {
		if answer := answers[model]; answer != nil {
			out = append(out, models.StageResponse{Model: model, Response: answer.Content, Refined: refined})
		}
	}
	return out
}
