// Package matcher decides which artists may see and answer a hiring request.
package matcher

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"buscart/internal/domain"
)

// NormalizeCity folds case, accents and surrounding space so "Bogotá" and
// " bogota " compare equal.
func NormalizeCity(city string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, city)
	if err != nil {
		folded = city
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// Eligible reports whether a single artist qualifies for the request.
func Eligible(req domain.HiringRequest, a domain.Artist) bool {
	if !a.IsAvailable {
		return false
	}
	if a.CategoryID != req.CategoryID {
		return false
	}
	if a.CanTravel {
		return true
	}
	key := req.CityKey
	if key == "" {
		key = NormalizeCity(req.City)
	}
	return NormalizeCity(a.City) == key
}

// MatchArtists returns the sorted ids of eligible artists. An empty result is
// not an error.
func MatchArtists(req domain.HiringRequest, artists []domain.Artist) []string {
	ids := []string{}
	seen := make(map[string]struct{}, len(artists))
	for _, a := range artists {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		if Eligible(req, a) {
			seen[a.ID] = struct{}{}
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
