package store_test

import (
	"context"
	stdsql "database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decideplease/councild/pkg/models"
	"github.com/decideplease/councild/pkg/store"
	"github.com/decideplease/councild/test/util"
)

func setupStore(t *testing.T) (*store.Store, *stdsql.DB) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	return store.NewStore(db), db
}

func createUser(t *testing.T, st *store.Store, id string) *models.User {
	t.Helper()
	user, err := st.GetOrCreateUser(context.Background(), id, id+"@example.com")
	require.NoError(t, err)
	return user
}

func sampleAnswer() store.CommitAnswerParams {
	return store.CommitAnswerParams{
		Stage1: []models.StageResponse{
			{Model: "m1", Response: "Answer one."},
			{Model: "m2", Response: "Answer two."},
		},
		Stage2: []models.StageRanking{
			{Model: "m1", Ranking: "FINAL RANKING:\n1. Response A\n2. Response B", ParsedRanking: []string{"Response A", "Response B"}},
		},
		Stage3: &models.StageFinal{Model: "mod", Response: "The council says yes."},
		Mode:   "decide_please",
	}
}

func TestGetOrCreateUser(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	user, err := st.GetOrCreateUser(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, 5, user.Credits, "new users start with the signup balance")
	assert.Equal(t, "member", user.Role)

	// Spending and coming back must not reset the balance.
	_, err = st.ReserveCredits(ctx, "alice", 2)
	require.NoError(t, err)
	again, err := st.GetOrCreateUser(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, again.Credits)
}

func TestReserveAndRefundCredits(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")

	remaining, err := st.ReserveCredits(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	_, err = st.ReserveCredits(ctx, "alice", 4)
	require.Error(t, err)
	var ice *store.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 4, ice.Required)
	assert.Equal(t, 3, ice.Available)

	balance, err := st.RefundCredits(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	_, err = st.ReserveCredits(ctx, "nobody", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.ReserveCredits(ctx, "alice", 0)
	assert.Error(t, err)
}

func TestReserveCreditsNeverOverdraws(t *testing.T) {
	st, db := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")

	_, err := db.ExecContext(ctx, `UPDATE users SET credits = 10 WHERE id = 'alice'`)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ReserveCredits(ctx, "alice", 3); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !store.IsInsufficientCredits(err) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded, "10 credits cover exactly three reservations of 3")
	user, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, user.Credits)
}

func TestConversationLifecycle(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")

	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", conv.Title)

	questionID, err := st.AppendQuestion(ctx, conv.ID, "Should we migrate?")
	require.NoError(t, err)

	answerID, err := st.CommitAnswer(ctx, conv.ID, sampleAnswer())
	require.NoError(t, err)
	assert.Greater(t, answerID, questionID)

	got, err := st.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Should we migrate?", got.Messages[0].Content)
	answer := got.Messages[1]
	assert.Equal(t, models.RoleAssistant, answer.Role)
	require.Len(t, answer.Stage1, 2)
	assert.Equal(t, "m1", answer.Stage1[0].Model)
	require.Len(t, answer.Stage2, 1)
	assert.Equal(t, []string{"Response A", "Response B"}, answer.Stage2[0].ParsedRanking)
	require.NotNil(t, answer.Stage3)
	assert.Equal(t, "The council says yes.", answer.Stage3.Response)
	assert.Equal(t, "decide_please", answer.Mode)

	// Ownership: another principal sees nothing.
	createUser(t, st, "bob")
	_, err = st.GetConversation(ctx, conv.ID, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, total, err := st.ListConversations(ctx, "alice", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MessageCount, "only questions count toward the list view")

	require.NoError(t, st.UpdateTitle(ctx, conv.ID, "alice", "Migration Call"))
	assert.ErrorIs(t, st.UpdateTitle(ctx, conv.ID, "bob", "nope"), store.ErrNotFound)

	require.NoError(t, st.DeleteConversation(ctx, conv.ID, "alice"))
	_, err = st.GetConversation(ctx, conv.ID, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListConversationsPagination(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")

	for i := 0; i < 3; i++ {
		_, err := st.CreateConversation(ctx, "alice")
		require.NoError(t, err)
	}

	page, total, err := st.ListConversations(ctx, "alice", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	rest, _, err := st.ListConversations(ctx, "alice", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestCommitAnswerRequiresFinalResponse(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	params := sampleAnswer()
	params.Stage3 = nil
	_, err = st.CommitAnswer(ctx, conv.ID, params)
	assert.Error(t, err)

	got, err := st.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestIncompleteAnswersAreInvisible(t *testing.T) {
	st, db := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = st.AppendQuestion(ctx, conv.ID, "Should we?")
	require.NoError(t, err)

	// Simulate a crashed run: an assistant row without a final response.
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, stage1)
		VALUES ($1, 'assistant', '[{"model":"m1","response":"partial"}]')`,
		conv.ID)
	require.NoError(t, err)

	got, err := st.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1, "partial answers must stay invisible to readers")
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)

	removed, err := st.CleanupIncomplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestCommitAnswerRevisions(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = st.AppendQuestion(ctx, conv.ID, "Should we?")
	require.NoError(t, err)
	firstID, err := st.CommitAnswer(ctx, conv.ID, sampleAnswer())
	require.NoError(t, err)

	rerun := sampleAnswer()
	rerun.IsRerun = true
	rerun.RerunInput = "Pricing changed."
	rerun.ParentID = &firstID
	rerun.Stage3 = &models.StageFinal{Model: "mod", Response: "Updated verdict."}
	secondID, err := st.CommitAnswer(ctx, conv.ID, rerun)
	require.NoError(t, err)

	thirdID, err := st.CommitAnswer(ctx, conv.ID, rerun)
	require.NoError(t, err)

	got, err := st.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	byID := make(map[int64]models.Message)
	for _, m := range got.Messages {
		byID[m.ID] = m
	}
	assert.Equal(t, 0, byID[firstID].RevisionNumber)
	assert.Equal(t, 1, byID[secondID].RevisionNumber)
	assert.Equal(t, 2, byID[thirdID].RevisionNumber)
	assert.Equal(t, "Pricing changed.", byID[secondID].RerunInput)
	require.NotNil(t, byID[secondID].ParentID)
	assert.Equal(t, firstID, *byID[secondID].ParentID)

	last, err := st.LastAnswer(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, thirdID, last.ID)
}

func TestTrailingQuestion(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = st.TrailingQuestion(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	questionID, err := st.AppendQuestion(ctx, conv.ID, "Orphan?")
	require.NoError(t, err)

	trailing, err := st.TrailingQuestion(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, questionID, trailing.ID)
	assert.Equal(t, "Orphan?", trailing.Content)

	_, err = st.CommitAnswer(ctx, conv.ID, sampleAnswer())
	require.NoError(t, err)

	_, err = st.TrailingQuestion(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "an answered question is not orphaned")
}

func TestOriginalQuestion(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = st.OriginalQuestion(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.AppendQuestion(ctx, conv.ID, "First?")
	require.NoError(t, err)
	_, err = st.AppendQuestion(ctx, conv.ID, "Second?")
	require.NoError(t, err)

	original, err := st.OriginalQuestion(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "First?", original)
}

func TestStage3ByID(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)
	other, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = st.AppendQuestion(ctx, conv.ID, "Should we?")
	require.NoError(t, err)
	answerID, err := st.CommitAnswer(ctx, conv.ID, sampleAnswer())
	require.NoError(t, err)

	final, err := st.Stage3ByID(ctx, conv.ID, answerID)
	require.NoError(t, err)
	assert.Equal(t, "The council says yes.", final.Response)

	_, err = st.Stage3ByID(ctx, other.ID, answerID)
	assert.ErrorIs(t, err, store.ErrNotFound, "answers are scoped to their conversation")

	latest, err := st.Stage3Latest(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Response, latest.Response)
}

func TestDeleteQuestionByID(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	createUser(t, st, "bob")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	questionID, err := st.AppendQuestion(ctx, conv.ID, "Orphan?")
	require.NoError(t, err)

	params := sampleAnswer()
	params.ParentID = &questionID
	answerID, err := st.CommitAnswer(ctx, conv.ID, params)
	require.NoError(t, err)

	// Only the owner may delete, and only questions.
	assert.ErrorIs(t, st.DeleteQuestionByID(ctx, conv.ID, "bob", questionID), store.ErrNotFound)
	assert.ErrorIs(t, st.DeleteQuestionByID(ctx, conv.ID, "alice", answerID), store.ErrNotQuestion)

	require.NoError(t, st.DeleteQuestionByID(ctx, conv.ID, "alice", questionID))
	got, err := st.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "deleting a question removes its answers too")
}

func TestSaveContextSummary(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	createUser(t, st, "alice")
	conv, err := st.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	questionID, err := st.AppendQuestion(ctx, conv.ID, "Should we?")
	require.NoError(t, err)
	answerID, err := st.CommitAnswer(ctx, conv.ID, sampleAnswer())
	require.NoError(t, err)

	summary := &models.ContextSummary{
		OriginalQuestion:    "Should we?",
		VerdictSummary:      "Yes.",
		KeyDissentingPoints: []string{"m2: maybe not"},
	}
	require.NoError(t, st.SaveContextSummary(ctx, answerID, summary))
	assert.ErrorIs(t, st.SaveContextSummary(ctx, questionID, summary), store.ErrNotFound,
		"summaries attach to answers only")

	last, err := st.LastAnswer(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, last.ContextSummary)
	assert.Equal(t, "Should we?", last.ContextSummary.OriginalQuestion)
	assert.Equal(t, []string{"m2: maybe not"}, last.ContextSummary.KeyDissentingPoints)
}
