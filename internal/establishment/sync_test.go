package establishment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
	"caseline/internal/establishment"
	"caseline/internal/external"
	"caseline/internal/intake"
)

// clearedEstablishment performs, files contentions, and clears the claim.
func clearedEstablishment(t *testing.T, env testEnv, issues ...intake.IssueParams) (domain.EndProductEstablishment, []domain.RequestIssue) {
	t.Helper()
	res := submitOne(t, env, issues...)
	epe, err := env.Est.Perform(env.Ctx, res.Establishments[0].ID, "u")
	require.NoError(t, err)
	require.NoError(t, env.Est.CreateContentions(env.Ctx, epe.ID, "u"))
	lastAction := frozen
	env.Claims.SetStatus(*epe.ReferenceID, domain.EPStatusCleared, &lastAction)
	require.NoError(t, env.Est.Sync(env.Ctx, epe.ID))

	out, err := env.Est.Repo.ListIssuesForEstablishment(env.Ctx, nil, epe.ID)
	require.NoError(t, err)
	epe, err = env.Est.Repo.GetEstablishment(env.Ctx, epe.ID)
	require.NoError(t, err)
	return epe, out
}

func TestNonratingDecisionSync(t *testing.T) {
	env := newTestEnv(t)
	epe, issues := clearedEstablishment(t, env, intake.IssueParams{
		NonratingCategory:    "Apportionment",
		NonratingDescription: "who gets what",
		DecisionDate:         date(2020, 3, 1),
	})
	ri := issues[0]
	env.Claims.SetDisposition(*epe.ReferenceID, *ri.ContentionReferenceID, "Granted")

	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	require.NoError(t, env.Est.ProcessDecisionSync(env.Ctx, ri.ID))

	got, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncProcessed())
	require.NotNil(t, got.ClosedStatus)
	assert.Equal(t, domain.ClosedDecided, *got.ClosedStatus)

	decisions, err := env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, ri.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "Granted", decisions[0].Disposition)

	// at-least-once redelivery: reprocessing is a no-op
	require.NoError(t, env.Est.ProcessDecisionSync(env.Ctx, ri.ID))
	decisions, err = env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, ri.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestMissingContentionDisposition(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env, intake.IssueParams{
		NonratingCategory: "Apportionment",
		DecisionDate:      date(2020, 3, 1),
	})
	ri := issues[0]
	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))

	err := env.Est.ProcessDecisionSync(env.Ctx, ri.ID)
	var missing *establishment.MissingContentionDispositionError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ri.ID, missing.RequestIssueID)

	got, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)
	assert.False(t, got.SyncProcessed())
	assert.NotNil(t, got.SyncAttemptedAt)
}

func TestRatingDecisionCollapsing(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
	)
	require.Len(t, issues, 2)

	env.Claims.AddRating(env.Veteran.ParticipantID, external.Rating{
		ParticipantID:    env.Veteran.ParticipantID,
		ProfileDate:      "2020-06-01",
		PromulgationDate: frozen,
		Issues: []external.RatingIssue{{
			ReferenceID:   "rating-9",
			Decision:      "Service connection granted",
			Disposition:   "allowed",
			ContentionIDs: []string{*issues[0].ContentionReferenceID, *issues[1].ContentionReferenceID},
		}},
	})

	for _, ri := range issues {
		require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	}
	// rating issues wait out the finalization delay before processing
	env.Est.Now = func() time.Time { return frozen.Add(25 * time.Hour) }
	for _, ri := range issues {
		require.NoError(t, env.Est.ProcessDecisionSync(env.Ctx, ri.ID))
	}

	first, err := env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, issues[0].ID)
	require.NoError(t, err)
	second, err := env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, issues[1].ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	// same disposition on the same rating issue collapses to one record
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestRatingDecisionDistinctDispositions(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
	)
	env.Claims.AddRating(env.Veteran.ParticipantID, external.Rating{
		ParticipantID:    env.Veteran.ParticipantID,
		ProfileDate:      "2020-06-01",
		PromulgationDate: frozen,
		Issues: []external.RatingIssue{
			{ReferenceID: "rating-9", Disposition: "allowed", ContentionIDs: []string{*issues[0].ContentionReferenceID}},
			{ReferenceID: "rating-9", Disposition: "denied", ContentionIDs: []string{*issues[1].ContentionReferenceID}},
		},
	})

	for _, ri := range issues {
		require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	}
	env.Est.Now = func() time.Time { return frozen.Add(25 * time.Hour) }
	for _, ri := range issues {
		require.NoError(t, env.Est.ProcessDecisionSync(env.Ctx, ri.ID))
	}

	first, err := env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, issues[0].ID)
	require.NoError(t, err)
	second, err := env.Est.Repo.ListDecisionIssuesForRequestIssue(env.Ctx, nil, issues[1].ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, "allowed", first[0].Disposition)
	assert.Equal(t, "denied", second[0].Disposition)
}

func TestNoAssociatedRating(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
	)
	ri := issues[0]
	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	env.Est.Now = func() time.Time { return frozen.Add(25 * time.Hour) }

	err := env.Est.ProcessDecisionSync(env.Ctx, ri.ID)
	var nar *establishment.NoAssociatedRatingError
	require.ErrorAs(t, err, &nar)
	assert.Equal(t, ri.ID, nar.RequestIssueID)
}

func TestProcessingWindowDefersRatingSync(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
	)
	ri := issues[0]
	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))

	// window has not opened: skip, not error
	require.NoError(t, env.Est.ProcessDecisionSync(env.Ctx, ri.ID))
	got, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)
	assert.False(t, got.SyncProcessed())
	assert.True(t, got.Open())
}

func TestSubmitDecisionSyncIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)},
	)
	ri := issues[0]
	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	first, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)

	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	second, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.SyncSubmittedAt, *second.SyncSubmittedAt)
	assert.Equal(t, *first.SyncLastSubmittedAt, *second.SyncLastSubmittedAt)
}

func TestFlagSyncError(t *testing.T) {
	env := newTestEnv(t)
	_, issues := clearedEstablishment(t, env,
		intake.IssueParams{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1)},
	)
	ri := issues[0]
	require.NoError(t, env.Est.SubmitDecisionSync(env.Ctx, ri.ID))
	require.NoError(t, env.Est.FlagSyncError(env.Ctx, ri.ID, &establishment.DecisionIssueCreationError{RequestIssueID: ri.ID}))

	got, err := env.Est.Repo.GetRequestIssue(env.Ctx, ri.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SyncError)
	assert.Contains(t, *got.SyncError, "no decision issues created")
}
