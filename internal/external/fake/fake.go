// Package fake holds in-memory collaborators for local mode and tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/external"
)

// Claims is an in-memory external.ClaimsService. Tests seed it directly and
// flip statuses or dispositions between calls.
type Claims struct {
	mu sync.Mutex

	claims      map[string]external.EndProduct   // claim id -> claim
	byVeteran   map[string][]string              // file number -> claim ids
	contentions map[string][]external.Contention // claim id -> contentions
	disposition map[string]map[string]string     // claim id -> contention id -> disposition
	associated  map[string]map[string]string     // claim id -> contention id -> rating ref
	ratings     map[string][]external.Rating     // participant id -> ratings
	letters     map[string]string                // claim id -> letter id
	trackedItem map[string]string                // claim id -> tracked item id

	// EstablishErr, when set, fails the next EstablishClaim call.
	EstablishErr error
	// ContentionErr fails CreateContentions after creating the first
	// contention, to exercise partial-batch retries.
	ContentionErr error
}

func NewClaims() *Claims {
	return &Claims{
		claims:      map[string]external.EndProduct{},
		byVeteran:   map[string][]string{},
		contentions: map[string][]external.Contention{},
		disposition: map[string]map[string]string{},
		associated:  map[string]map[string]string{},
		ratings:     map[string][]external.Rating{},
		letters:     map[string]string{},
		trackedItem: map[string]string{},
	}
}

func (c *Claims) EstablishClaim(ctx context.Context, req external.ClaimRequest) (external.EndProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EstablishErr != nil {
		err := c.EstablishErr
		c.EstablishErr = nil
		return external.EndProduct{}, err
	}
	ep := external.EndProduct{
		ClaimID:       uuid.NewString(),
		ClaimTypeCode: req.Code,
		Modifier:      req.Modifier,
		Status:        "PEND",
	}
	c.claims[ep.ClaimID] = ep
	c.byVeteran[req.VeteranFileNumber] = append(c.byVeteran[req.VeteranFileNumber], ep.ClaimID)
	return ep, nil
}

func (c *Claims) CreateContentions(ctx context.Context, claimID string, texts []string, specialIssues [][]string) ([]external.Contention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []external.Contention
	for i, text := range texts {
		if c.ContentionErr != nil && i > 0 {
			err := c.ContentionErr
			c.ContentionErr = nil
			c.contentions[claimID] = append(c.contentions[claimID], out...)
			return out, err
		}
		ct := external.Contention{ID: uuid.NewString(), ClaimID: claimID, Text: text}
		if i < len(specialIssues) {
			ct.SpecialIssues = specialIssues[i]
		}
		out = append(out, ct)
	}
	c.contentions[claimID] = append(c.contentions[claimID], out...)
	return out, nil
}

func (c *Claims) AssociateRatingIssues(ctx context.Context, claimID string, contentionToRating map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.associated[claimID]
	if m == nil {
		m = map[string]string{}
		c.associated[claimID] = m
	}
	for contentionID, ratingRef := range contentionToRating {
		m[contentionID] = ratingRef
	}
	return nil
}

func (c *Claims) GetClaim(ctx context.Context, fileNumber, claimID string) (external.EndProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.claims[claimID]
	if !ok {
		return external.EndProduct{}, external.ErrClaimNotFound
	}
	return ep, nil
}

func (c *Claims) ListEndProducts(ctx context.Context, fileNumber string) ([]external.EndProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []external.EndProduct
	for _, id := range c.byVeteran[fileNumber] {
		out = append(out, c.claims[id])
	}
	return out, nil
}

func (c *Claims) GetContentions(ctx context.Context, claimID string) ([]external.Contention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]external.Contention(nil), c.contentions[claimID]...), nil
}

func (c *Claims) GetDispositions(ctx context.Context, claimID string) ([]external.Disposition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []external.Disposition
	for contentionID, d := range c.disposition[claimID] {
		out = append(out, external.Disposition{ContentionID: contentionID, Disposition: d})
	}
	return out, nil
}

func (c *Claims) GetRating(ctx context.Context, participantID string, start, end time.Time) ([]external.Rating, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []external.Rating
	for _, r := range c.ratings[participantID] {
		if r.PromulgationDate.Before(start) || r.PromulgationDate.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Claims) CancelClaim(ctx context.Context, fileNumber, claimID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.claims[claimID]
	if !ok {
		return external.ErrClaimNotFound
	}
	ep.Status = "CAN"
	c.claims[claimID] = ep
	return nil
}

func (c *Claims) GenerateClaimantLetter(ctx context.Context, claimID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.letters[claimID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	c.letters[claimID] = id
	return id, nil
}

func (c *Claims) GenerateTrackedItem(ctx context.Context, claimID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.trackedItem[claimID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	c.trackedItem[claimID] = id
	return id, nil
}

// SetStatus flips a claim's external status, as the claims system would
// between polls.
func (c *Claims) SetStatus(claimID, status string, lastAction *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.claims[claimID]
	ep.Status = status
	ep.LastActionDate = lastAction
	c.claims[claimID] = ep
}

func (c *Claims) SetDisposition(claimID, contentionID, disposition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.disposition[claimID]
	if m == nil {
		m = map[string]string{}
		c.disposition[claimID] = m
	}
	m[contentionID] = disposition
}

func (c *Claims) AddRating(participantID string, r external.Rating) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ratings[participantID] = append(c.ratings[participantID], r)
}

// Associations exposes what AssociateRatingIssues recorded, for assertions.
func (c *Claims) Associations(claimID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]string{}
	for k, v := range c.associated[claimID] {
		out[k] = v
	}
	return out
}

// Directory is an in-memory external.Directory.
type Directory struct {
	mu           sync.Mutex
	participants map[string]string // file number -> participant id
	poa          map[string]struct {
		code   string
		access bool
	}
	offices map[string]string // file number -> RO city
}

func NewDirectory() *Directory {
	return &Directory{
		participants: map[string]string{},
		poa: map[string]struct {
			code   string
			access bool
		}{},
		offices: map[string]string{},
	}
}

func (d *Directory) AddVeteran(fileNumber, participantID, roCity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants[fileNumber] = participantID
	d.offices[fileNumber] = roCity
}

func (d *Directory) SetPOA(claimantParticipantID, code string, access bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poa[claimantParticipantID] = struct {
		code   string
		access bool
	}{code, access}
}

func (d *Directory) ParticipantID(ctx context.Context, fileNumber string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.participants[fileNumber], nil
}

func (d *Directory) LimitedPOA(ctx context.Context, claimantParticipantID string) (string, bool, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.poa[claimantParticipantID]
	return p.code, p.access, ok, nil
}

func (d *Directory) ClosestRegionalOffice(ctx context.Context, fileNumber string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offices[fileNumber], nil
}

// Legacy is an in-memory external.LegacyService keyed by legacy appeal id
// and issue sequence.
type Legacy struct {
	mu     sync.Mutex
	issues map[string]map[int]external.LegacyIssue
}

func NewLegacy() *Legacy {
	return &Legacy{issues: map[string]map[int]external.LegacyIssue{}}
}

func (l *Legacy) AddIssue(li external.LegacyIssue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.issues[li.LegacyID]
	if m == nil {
		m = map[int]external.LegacyIssue{}
		l.issues[li.LegacyID] = m
	}
	m[li.SequenceID] = li
}

func (l *Legacy) FindIssue(ctx context.Context, legacyID string, sequenceID int) (external.LegacyIssue, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	li, ok := l.issues[legacyID][sequenceID]
	return li, ok, nil
}

// Toggles is a static external.FeatureToggles.
type Toggles map[string]bool

func (t Toggles) Enabled(flag string, cssID string) bool { return t[flag] }
