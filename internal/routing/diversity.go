package routing

import (
	"math"
	"strings"
	"time"

	"github.com/verdictmarket/backend/internal/models"
)

// distinctCap is the number of distinct values at which a dimension counts as
// fully diverse.
const distinctCap = 5

var diversityWeights = struct {
	age, gender, profession, location float64
}{0.3, 0.3, 0.2, 0.2}

// DiversityScore rates a pool in [0, 1] from the distinct demographic values
// it covers. Age range and gender weigh more than profession and location.
// Blank attributes do not count.
func DiversityScore(pool []*models.ReviewerProfile) float64 {
	if len(pool) == 0 {
		return 0
	}
	ages := map[string]struct{}{}
	genders := map[string]struct{}{}
	professions := map[string]struct{}{}
	locations := map[string]struct{}{}
	add := func(set map[string]struct{}, v string) {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = struct{}{}
		}
	}
	for _, p := range pool {
		add(ages, p.AgeRange)
		add(genders, p.Gender)
		add(professions, p.Profession)
		add(locations, p.Location)
	}
	dim := func(set map[string]struct{}) float64 {
		return math.Min(float64(len(set)), distinctCap) / distinctCap
	}
	score := diversityWeights.age*dim(ages) +
		diversityWeights.gender*dim(genders) +
		diversityWeights.profession*dim(professions) +
		diversityWeights.location*dim(locations)
	return math.Round(score*1000) / 1000
}

var tierBaseline = map[models.RequestTier]time.Duration{
	models.TierPro:       30 * time.Minute,
	models.TierStandard:  60 * time.Minute,
	models.TierCommunity: 120 * time.Minute,
}

// EstimateResponseTime scales the tier's baseline by how thin the pool is
// relative to the verdicts wanted. The factor is clamped to [0.5, 4].
func EstimateResponseTime(tier models.RequestTier, target, poolSize int) time.Duration {
	base, ok := tierBaseline[tier]
	if !ok {
		base = tierBaseline[models.TierCommunity]
	}
	factor := 4.0
	if poolSize > 0 {
		if target <= 0 {
			target = 1
		}
		factor = math.Max(0.5, math.Min(4, float64(target)/float64(poolSize)))
	}
	return time.Duration(float64(base) * factor).Round(time.Minute)
}
