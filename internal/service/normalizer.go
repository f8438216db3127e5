package service

import (
	"regexp"
	"strings"

	"github.com/unipass/backend/internal/domain"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

const (
	maxNameLength = 80
	maxBioLength  = 500
	maxTags       = 12
)

// YearOptions are the accepted year-of-study labels.
var YearOptions = []string{"1st", "2nd", "3rd", "4th", "5th+"}

// sanitizeString collapses whitespace and trims the result.
func sanitizeString(value string) string {
	value = whitespaceRegex.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

// normalizeTags lowercases, sanitizes and de-duplicates tags, keeping input order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(sanitizeString(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// normalizeProfileInput sanitizes in and checks every required field.
func normalizeProfileInput(in ProfileInput) (ProfileInput, error) {
	out := ProfileInput{
		Name:         sanitizeString(in.Name),
		FieldOfStudy: sanitizeString(in.FieldOfStudy),
		Year:         sanitizeString(in.Year),
		Bio:          strings.TrimSpace(in.Bio),
		Hometown:     sanitizeString(in.Hometown),
		Tags:         normalizeTags(in.Tags),
		Photo:        in.Photo,
	}

	switch {
	case out.Name == "":
		return out, domain.NewValidationError("name", "please enter your name")
	case len(out.Name) > maxNameLength:
		return out, domain.NewValidationError("name", "name is too long")
	case out.Hometown == "":
		return out, domain.NewValidationError("hometown", "please enter your hometown")
	case out.Bio == "":
		return out, domain.NewValidationError("bio", "please enter your bio")
	case len(out.Bio) > maxBioLength:
		return out, domain.NewValidationError("bio", "bio is too long")
	case out.FieldOfStudy == "":
		return out, domain.NewValidationError("fieldOfStudy", "please specify what you're studying")
	case !validYear(out.Year):
		return out, domain.NewValidationError("year", "please select your year")
	case len(out.Tags) == 0:
		return out, domain.NewValidationError("tags", "please select at least one tag")
	case len(out.Tags) > maxTags:
		return out, domain.NewValidationError("tags", "too many tags")
	}
	return out, nil
}

func validYear(year string) bool {
	for _, y := range YearOptions {
		if y == year {
			return true
		}
	}
	return false
}
