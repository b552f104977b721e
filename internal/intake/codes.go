package intake

import (
	"unicode/utf8"

	"caseline/internal/domain"
)

// Contention text for an issue the claimant could not identify. The claims
// service requires non-empty text; a reviewer replaces it later.
const unidentifiedContention = "UNIDENTIFIED ISSUE - requires manual review before processing"

// The claims service truncates contention text at 255 characters.
const contentionTextLimit = 255

// Special issue flags attached to contentions on creation.
const (
	specialSameStationReview = "same_station_review"
	specialLegacyOptIn       = "legacy_issue_opt_in"
)

// ContentionText builds the description submitted to the claims service.
func ContentionText(ri domain.RequestIssue) string {
	var text string
	switch {
	case ri.IsUnidentified:
		text = unidentifiedContention
		if ri.UnidentifiedIssueText != "" {
			text = unidentifiedContention + " - " + ri.UnidentifiedIssueText
		}
	case ri.EditedDescription != "":
		text = ri.EditedDescription
	case ri.NonratingCategory != "":
		text = ri.NonratingCategory + " - " + ri.NonratingDescription
	default:
		text = ri.ContestedIssueDescription
	}
	if len(text) > contentionTextLimit {
		cut := contentionTextLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// SpecialIssues returns the flags to file with the issue's contention.
func SpecialIssues(ri domain.RequestIssue, rv domain.DecisionReview) []string {
	var out []string
	if rv.SameOffice {
		out = append(out, specialSameStationReview)
	}
	if ri.LegacyID != nil && rv.LegacyOptInApproved {
		out = append(out, specialLegacyOptIn)
	}
	return out
}

// EndProductCode selects the claim code an issue's establishment is filed
// under. Rating and nonrating issues land on separate claims; pension
// benefits use the PMC variant; corrections use the 930 family, with the
// suffix picking the quality-error channel.
func EndProductCode(reviewType domain.ReviewType, rating bool, benefitType string, correction *domain.CorrectionType) string {
	pension := benefitType == "pension"
	if correction != nil {
		return correctionCode(reviewType, rating, pension, *correction)
	}
	var code string
	switch reviewType {
	case domain.HigherLevelReview:
		if rating {
			code = "030HLRR"
		} else {
			code = "030HLRNR"
		}
	case domain.SupplementalClaim:
		if rating {
			code = "040SCR"
		} else {
			code = "040SCNR"
		}
	default:
		// Appeals do not open end products for their issues; effectuation
		// happens post-decision and is out of scope here.
		return ""
	}
	if pension {
		code += "PMC"
	}
	return code
}

func correctionCode(reviewType domain.ReviewType, rating, pension bool, ct domain.CorrectionType) string {
	code := "930AMA"
	if reviewType == domain.HigherLevelReview {
		code += "H"
	} else {
		code += "S"
	}
	if rating {
		code += "R"
	} else {
		code += "NR"
	}
	switch ct {
	case domain.CorrectionLocalQuality:
		code += "CL"
	case domain.CorrectionNationalQuality:
		code += "CN"
	default:
		code += "C"
	}
	if pension {
		code += "PMC"
	}
	return code
}
