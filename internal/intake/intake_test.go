package intake_test

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/external"
	"caseline/internal/external/fake"
	"caseline/internal/intake"
	"caseline/internal/migrate"
)

var frozen = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Intake  intake.Engine
	Legacy  *fake.Legacy
	Ctx     context.Context
	Veteran domain.Veteran
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	legacy := fake.NewLegacy()
	eng := intake.New(conn, config.Default(), legacy, fake.Toggles{"legacy_opt_in": true, "correction_claims": true})
	eng.Now = func() time.Time { return frozen }

	ctx := context.Background()
	v := domain.Veteran{FileNumber: "123456789", ParticipantID: "pid-1", FirstName: "Ann", LastName: "Smith", CreatedAt: frozen}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Repo.InsertVeteran(ctx, tx, &v))
	require.NoError(t, tx.Commit())

	return testEnv{Intake: eng, Legacy: legacy, Ctx: ctx, Veteran: v}
}

func submit(t *testing.T, env testEnv, p intake.SubmitParams) intake.SubmitResult {
	t.Helper()
	if p.VeteranFileNumber == "" {
		p.VeteranFileNumber = env.Veteran.FileNumber
	}
	if p.ReceiptDate.IsZero() {
		p.ReceiptDate = frozen
	}
	res, err := env.Intake.SubmitReview(env.Ctx, p, "intake-user")
	require.NoError(t, err)
	return res
}

func str(s string) *string { return &s }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestSubmitEligibleRatingIssue(t *testing.T) {
	env := newTestEnv(t)
	res := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.HigherLevelReview,
		BenefitType: "compensation",
		Issues: []intake.IssueParams{{
			ContestedRatingIssueID:    str("rating-1"),
			ContestedIssueDescription: "knee condition",
			DecisionDate:              date(2020, 3, 1),
		}},
	})
	require.Len(t, res.Issues, 1)
	ri := res.Issues[0]
	assert.True(t, ri.Eligible())
	assert.True(t, ri.Open())
	require.Len(t, res.Establishments, 1)
	assert.Equal(t, "030HLRR", res.Establishments[0].Code)
	require.NotNil(t, ri.EndProductEstablishmentID)
	assert.Equal(t, res.Establishments[0].ID, *ri.EndProductEstablishmentID)
}

func TestDuplicateOfActiveRatingIssue(t *testing.T) {
	env := newTestEnv(t)
	first := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.HigherLevelReview,
		BenefitType: "compensation",
		Issues:      []intake.IssueParams{{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2020, 3, 1)}},
	})
	second := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.SupplementalClaim,
		BenefitType: "compensation",
		Issues:      []intake.IssueParams{{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2020, 3, 1)}},
	})
	ri := second.Issues[0]
	require.NotNil(t, ri.IneligibleReason)
	assert.Equal(t, domain.DuplicateOfRatingIssue, *ri.IneligibleReason)
	require.NotNil(t, ri.IneligibleDueToID)
	assert.Equal(t, first.Issues[0].ID, *ri.IneligibleDueToID)
	// ineligibility closes atomically
	require.NotNil(t, ri.ClosedStatus)
	assert.Equal(t, domain.ClosedIneligible, *ri.ClosedStatus)
	assert.NotNil(t, ri.ClosedAt)
	// an ineligible issue never joins an establishment
	assert.Nil(t, ri.EndProductEstablishmentID)
}

func TestSameReviewIssuesAreNotDuplicates(t *testing.T) {
	env := newTestEnv(t)
	res := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.HigherLevelReview,
		BenefitType: "compensation",
		Issues: []intake.IssueParams{
			{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2020, 3, 1)},
			{ContestedRatingIssueID: str("rating-2"), DecisionDate: date(2020, 3, 1)},
		},
	})
	for _, ri := range res.Issues {
		assert.True(t, ri.Eligible())
	}
}

func TestUntimely(t *testing.T) {
	env := newTestEnv(t)
	old := date(2018, 1, 1)

	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: old}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.Untimely, *res.Issues[0].IneligibleReason)

	// supplemental claims carry no timeliness bar; the same date instead
	// trips the activation-date check
	res = submit(t, env, intake.SubmitParams{
		ReviewType: domain.SupplementalClaim,
		Issues:     []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: old}},
	})
	assert.Nil(t, res.Issues[0].IneligibleReason)

	// exemption flag skips the check
	res = submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: old, UntimelyExemption: true}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.BeforeAMA, *res.Issues[0].IneligibleReason)
}

func TestBeforeAMA(t *testing.T) {
	env := newTestEnv(t)
	res := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.HigherLevelReview,
		ReceiptDate: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
		Issues:      []intake.IssueParams{{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2019, 1, 1)}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.BeforeAMA, *res.Issues[0].IneligibleReason)

	// RAMP-migrated issues predate activation by construction
	res = submit(t, env, intake.SubmitParams{
		ReviewType:  domain.HigherLevelReview,
		ReceiptDate: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
		Issues:      []intake.IssueParams{{ContestedRatingIssueID: str("rating-2"), DecisionDate: date(2019, 1, 1), RampClaimID: str("ramp-1")}},
	})
	assert.Nil(t, res.Issues[0].IneligibleReason)
}

func TestLegacyChecks(t *testing.T) {
	env := newTestEnv(t)
	seq := 1

	// opt-in not approved
	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), LegacyID: str("LEG-1"), LegacySequenceID: &seq}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.LegacyIssueNotWithdrawn, *res.Issues[0].IneligibleReason)

	// approved, but the legacy appeal is not eligible for opt-in
	env.Legacy.AddIssue(external.LegacyIssue{LegacyID: "LEG-1", SequenceID: seq, EligibleForOptIn: false, SOCDate: frozen.AddDate(0, 0, -10)})
	res = submit(t, env, intake.SubmitParams{
		ReviewType:          domain.HigherLevelReview,
		LegacyOptInApproved: true,
		Issues:              []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), LegacyID: str("LEG-1"), LegacySequenceID: &seq}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.LegacyAppealNotEligible, *res.Issues[0].IneligibleReason)

	// eligible combination passes and records the opt-in
	env.Legacy.AddIssue(external.LegacyIssue{LegacyID: "LEG-2", SequenceID: seq, EligibleForOptIn: true, SOCDate: frozen.AddDate(0, 0, -10)})
	res = submit(t, env, intake.SubmitParams{
		ReviewType:          domain.HigherLevelReview,
		LegacyOptInApproved: true,
		Issues:              []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), LegacyID: str("LEG-2"), LegacySequenceID: &seq}},
	})
	assert.Nil(t, res.Issues[0].IneligibleReason)
}

func TestStatementOfCaseWindowExpired(t *testing.T) {
	env := newTestEnv(t)
	seq := 3
	env.Legacy.AddIssue(external.LegacyIssue{LegacyID: "LEG-3", SequenceID: seq, EligibleForOptIn: true, SOCDate: frozen.AddDate(0, -6, 0)})
	res := submit(t, env, intake.SubmitParams{
		ReviewType:          domain.HigherLevelReview,
		LegacyOptInApproved: true,
		Issues:              []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), LegacyID: str("LEG-3"), LegacySequenceID: &seq}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.LegacyAppealNotEligible, *res.Issues[0].IneligibleReason)
}

func TestPreviousReviewConflict(t *testing.T) {
	env := newTestEnv(t)
	prior := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)}},
	})

	// record a decision issue under the still-active prior review
	ctx := env.Ctx
	tx, err := env.Intake.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	di := domain.DecisionIssue{ReviewID: prior.Review.ID, ParticipantID: env.Veteran.ParticipantID, Disposition: "allowed", CreatedAt: frozen}
	require.NoError(t, env.Intake.Repo.InsertDecisionIssue(ctx, tx, &di))
	require.NoError(t, tx.Commit())

	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{ContestedDecisionIssueID: &di.ID, DecisionDate: date(2020, 3, 1)}},
	})
	ri := res.Issues[0]
	require.NotNil(t, ri.IneligibleReason)
	assert.Equal(t, domain.HLRToHLR, *ri.IneligibleReason)
	require.NotNil(t, ri.IneligibleDueToID)
	assert.Equal(t, prior.Issues[0].ID, *ri.IneligibleDueToID)
}

func TestOneReasonPerIssue(t *testing.T) {
	env := newTestEnv(t)
	// would trip untimely, before-AMA, and legacy-not-withdrawn; only the
	// first check in order is recorded
	seq := 1
	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2017, 1, 1), LegacyID: str("LEG-9"), LegacySequenceID: &seq}},
	})
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.LegacyIssueNotWithdrawn, *res.Issues[0].IneligibleReason)
}

func TestDecisionIssueDuplicateWithRatingReference(t *testing.T) {
	env := newTestEnv(t)
	prior := submit(t, env, intake.SubmitParams{
		ReviewType: domain.SupplementalClaim,
		Issues:     []intake.IssueParams{{ContestedRatingIssueID: str("rating-9"), DecisionDate: date(2020, 3, 1)}},
	})

	ctx := env.Ctx
	tx, err := env.Intake.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	di := domain.DecisionIssue{ReviewID: prior.Review.ID, ParticipantID: env.Veteran.ParticipantID, Disposition: "allowed", CreatedAt: frozen}
	require.NoError(t, env.Intake.Repo.InsertDecisionIssue(ctx, tx, &di))
	require.NoError(t, tx.Commit())

	first := submit(t, env, intake.SubmitParams{
		ReviewType: domain.SupplementalClaim,
		Issues:     []intake.IssueParams{{ContestedDecisionIssueID: &di.ID, DecisionDate: date(2020, 3, 1)}},
	})
	require.Nil(t, first.Issues[0].IneligibleReason)

	// a fresh rating reference does not mask the contested decision issue
	second := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues: []intake.IssueParams{{
			ContestedRatingIssueID:   str("rating-fresh"),
			ContestedDecisionIssueID: &di.ID,
			DecisionDate:             date(2020, 3, 1),
		}},
	})
	ri := second.Issues[0]
	require.NotNil(t, ri.IneligibleReason)
	assert.Equal(t, domain.DuplicateOfRatingIssue, *ri.IneligibleReason)
	require.NotNil(t, ri.IneligibleDueToID)
	assert.Equal(t, first.Issues[0].ID, *ri.IneligibleDueToID)
}

func TestLegacyOptInToggleDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Intake.Toggles = fake.Toggles{"correction_claims": true}
	seq := 2
	env.Legacy.AddIssue(external.LegacyIssue{LegacyID: "LEG-8", SequenceID: seq, EligibleForOptIn: true, SOCDate: frozen.AddDate(0, 0, -10)})
	res := submit(t, env, intake.SubmitParams{
		ReviewType:          domain.HigherLevelReview,
		LegacyOptInApproved: true,
		Issues:              []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), LegacyID: str("LEG-8"), LegacySequenceID: &seq}},
	})
	assert.False(t, res.Review.LegacyOptInApproved)
	require.NotNil(t, res.Issues[0].IneligibleReason)
	assert.Equal(t, domain.LegacyIssueNotWithdrawn, *res.Issues[0].IneligibleReason)
}

func TestCorrectionToggleDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Intake.Toggles = fake.Toggles{"legacy_opt_in": true}
	correction := domain.CorrectionControl
	_, err := env.Intake.SubmitReview(env.Ctx, intake.SubmitParams{
		ReviewType:        domain.SupplementalClaim,
		VeteranFileNumber: env.Veteran.FileNumber,
		ReceiptDate:       frozen,
		BenefitType:       "compensation",
		Issues:            []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), CorrectionType: &correction}},
	}, "intake-user")
	var verr *intake.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "correction_type")
}

func TestPreassignedReasonSkipsDuplicateCheck(t *testing.T) {
	env := newTestEnv(t)
	reason := domain.DuplicateOfNonratingIssue
	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.HigherLevelReview,
		Issues:     []intake.IssueParams{{NonratingCategory: "Apportionment", DecisionDate: date(2020, 3, 1), IneligibleReason: &reason}},
	})
	ri := res.Issues[0]
	require.NotNil(t, ri.IneligibleReason)
	assert.Equal(t, domain.DuplicateOfNonratingIssue, *ri.IneligibleReason)
	require.NotNil(t, ri.ClosedStatus)
	assert.Equal(t, domain.ClosedIneligible, *ri.ClosedStatus)
}

func TestGroupingByClaimCode(t *testing.T) {
	env := newTestEnv(t)
	correction := domain.CorrectionControl
	res := submit(t, env, intake.SubmitParams{
		ReviewType:  domain.SupplementalClaim,
		BenefitType: "pension",
		Issues: []intake.IssueParams{
			{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2020, 3, 1)},
			{NonratingCategory: "Apportionment", NonratingDescription: "split", DecisionDate: date(2020, 3, 1)},
			{NonratingCategory: "Apportionment", NonratingDescription: "again", DecisionDate: date(2020, 3, 1), CorrectionType: &correction},
		},
	})
	codes := map[string]bool{}
	for _, epe := range res.Establishments {
		codes[epe.Code] = true
		assert.Equal(t, env.Veteran.FileNumber, epe.VeteranFileNumber)
		assert.False(t, epe.Established())
	}
	assert.Equal(t, map[string]bool{"040SCRPMC": true, "040SCNRPMC": true, "930AMASNRCPMC": true}, codes)
}

func TestAppealOpensNoEndProducts(t *testing.T) {
	env := newTestEnv(t)
	res := submit(t, env, intake.SubmitParams{
		ReviewType: domain.Appeal,
		DocketType: "direct_review",
		Issues:     []intake.IssueParams{{ContestedRatingIssueID: str("rating-1"), DecisionDate: date(2020, 3, 1)}},
	})
	assert.Empty(t, res.Establishments)
	assert.True(t, res.Issues[0].Eligible())
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Intake.SubmitReview(env.Ctx, intake.SubmitParams{}, "intake-user")
	var verr *intake.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "review_type")
	assert.Contains(t, verr.Fields, "veteran_file_number")
	assert.Contains(t, verr.Fields, "issues")
}

func TestContentionText(t *testing.T) {
	assert.Equal(t, "Apportionment - who gets what",
		intake.ContentionText(domain.RequestIssue{NonratingCategory: "Apportionment", NonratingDescription: "who gets what"}))
	assert.Equal(t, "better words",
		intake.ContentionText(domain.RequestIssue{ContestedIssueDescription: "original", EditedDescription: "better words"}))

	got := intake.ContentionText(domain.RequestIssue{IsUnidentified: true, UnidentifiedIssueText: "something about an ear"})
	assert.True(t, strings.HasPrefix(got, "UNIDENTIFIED ISSUE"))
	assert.Contains(t, got, "something about an ear")

	long := strings.Repeat("x", 300)
	assert.Len(t, intake.ContentionText(domain.RequestIssue{ContestedIssueDescription: long}), 255)

	// truncation never splits a multibyte character
	accented := strings.Repeat("é", 200)
	got = intake.ContentionText(domain.RequestIssue{ContestedIssueDescription: accented})
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 254)
}

func TestSpecialIssues(t *testing.T) {
	legacy := str("LEG-1")
	got := intake.SpecialIssues(
		domain.RequestIssue{LegacyID: legacy},
		domain.DecisionReview{SameOffice: true, LegacyOptInApproved: true},
	)
	assert.Equal(t, []string{"same_station_review", "legacy_issue_opt_in"}, got)

	assert.Empty(t, intake.SpecialIssues(domain.RequestIssue{}, domain.DecisionReview{}))
}
