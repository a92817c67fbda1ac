package routing

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/models"
)

// Criteria is what a reviewer must satisfy to see a request.
type Criteria struct {
	OwnerID   uuid.UUID
	Category  string
	Targeting models.Targeting
}

func criteriaFor(req *models.Request) Criteria {
	return Criteria{OwnerID: req.UserID, Category: req.Category, Targeting: req.Targeting}
}

// eligible reports whether p may review under c. Expert slots additionally
// require IsExpert and a category match.
func eligible(p *models.ReviewerProfile, c Criteria, expertSlot bool) bool {
	if !p.Available || (p.DailyCap > 0 && p.CurrentDailyCount >= p.DailyCap) {
		return false
	}
	if p.UserID == c.OwnerID {
		return false
	}
	if !matchesTargeting(p, c.Targeting) {
		return false
	}
	if expertSlot {
		return p.IsExpert && coversCategory(p, c.Category)
	}
	return true
}

func matchesTargeting(p *models.ReviewerProfile, t models.Targeting) bool {
	return oneOf(p.AgeRange, t.AgeRanges) &&
		oneOf(p.Gender, t.Genders) &&
		oneOf(p.Profession, t.Professions) &&
		oneOf(p.Location, t.Locations)
}

// oneOf matches everything when allowed is empty.
func oneOf(v string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), v) {
			return true
		}
	}
	return false
}

// coversCategory treats an expert with no listed categories as a generalist.
func coversCategory(p *models.ReviewerProfile, category string) bool {
	if category == "" || len(p.ExpertCategories) == 0 {
		return true
	}
	for _, c := range p.ExpertCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// filterEligible keeps the profiles that pass eligible, in input order.
func filterEligible(profiles []*models.ReviewerProfile, c Criteria, expertSlot bool) []*models.ReviewerProfile {
	out := make([]*models.ReviewerProfile, 0, len(profiles))
	for _, p := range profiles {
		if eligible(p, c, expertSlot) {
			out = append(out, p)
		}
	}
	return out
}

// rank orders candidates best first: higher quality, then lighter daily load.
// User id breaks any remaining tie so the order is deterministic. Reviewer age
// plays no part; first-come ordering applies to the request queue only.
func rank(candidates []*models.ReviewerProfile) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		if a.CurrentDailyCount != b.CurrentDailyCount {
			return a.CurrentDailyCount < b.CurrentDailyCount
		}
		return a.UserID.String() < b.UserID.String()
	})
}

// plan is the reviewer selection for one request.
type plan struct {
	experts   []*models.ReviewerProfile
	community []*models.ReviewerProfile
	poolSize  int
}

func (p plan) size() int { return len(p.experts) + len(p.community) }

func (p plan) assignments(requestID uuid.UUID) []models.Assignment {
	out := make([]models.Assignment, 0, p.size())
	for _, r := range p.experts {
		out = append(out, models.Assignment{RequestID: requestID, ReviewerID: r.UserID, IsExpert: true})
	}
	for _, r := range p.community {
		out = append(out, models.Assignment{RequestID: requestID, ReviewerID: r.UserID, IsExpert: false})
	}
	return out
}

func (p plan) expertIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(p.experts))
	for _, r := range p.experts {
		out = append(out, r.UserID)
	}
	return out
}

// expertSlots is ceil(target * share), bounded to [0, target].
func expertSlots(target int, share float64) int {
	if target <= 0 || share <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(target) * share))
	if n > target {
		n = target
	}
	return n
}

// planMixed fills up to the expert share with experts and backfills the rest
// from every other eligible reviewer.
func planMixed(profiles []*models.ReviewerProfile, c Criteria, target int, share float64) plan {
	experts := filterEligible(profiles, c, true)
	rank(experts)
	general := filterEligible(profiles, c, false)
	rank(general)

	var p plan
	p.poolSize = len(general)
	slots := expertSlots(target, share)
	if len(experts) < slots {
		slots = len(experts)
	}
	p.experts = experts[:slots]

	taken := make(map[uuid.UUID]bool, slots)
	for _, e := range p.experts {
		taken[e.UserID] = true
	}
	for _, g := range general {
		if p.size() >= target {
			break
		}
		if !taken[g.UserID] {
			p.community = append(p.community, g)
		}
	}
	return p
}

// planExpertOnly takes up to target experts.
func planExpertOnly(profiles []*models.ReviewerProfile, c Criteria, target int) plan {
	experts := filterEligible(profiles, c, true)
	rank(experts)
	p := plan{poolSize: len(experts)}
	if len(experts) > target {
		experts = experts[:target]
	}
	p.experts = experts
	return p
}
