package match

import (
	"sort"
	"strings"
	"time"

	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/internal/domain/normalize"
)

// identityView is the pre-normalized comparison shape for one identity.
// Views are built once when the identity enters the index so Match never
// re-normalizes per comparison.
type identityView struct {
	id              string
	emails          map[string]bool
	phoneLast7      string
	nameTokens      []string
	firstName       string
	lastName        string
	companyTokens   []string
	orgTokens       []string // company + title tokens
	linkedInSlug    string
	lastInteraction time.Time
}

// Index is the blocking index for one processing run. It is owned and
// passed by the orchestrator, never shared across runs: workers build or
// receive a snapshot and no global matching state exists.
type Index struct {
	byKey map[string][]string
	views map[string]*identityView
}

// NewIndex builds a blocking index over a snapshot of the identity pool.
func NewIndex(pool []*model.CanonicalIdentity) *Index {
	x := &Index{
		byKey: make(map[string][]string),
		views: make(map[string]*identityView),
	}
	for _, id := range pool {
		x.Add(id)
	}
	return x
}

// Add indexes one identity under each of its blocking keys. Re-adding an
// identity replaces its view but key postings accumulate; callers rebuild
// the index rather than remove entries.
func (x *Index) Add(ident *model.CanonicalIdentity) {
	v := newView(ident)
	x.views[v.id] = v

	for email := range v.emails {
		x.post("e:"+email, v.id)
	}
	if v.phoneLast7 != "" {
		x.post("p:"+v.phoneLast7, v.id)
	}
	if v.lastName != "" {
		for _, tok := range v.companyTokens {
			x.post("nc:"+v.lastName+"|"+tok, v.id)
		}
	}
	if v.linkedInSlug != "" {
		x.post("li:"+v.linkedInSlug, v.id)
	}
}

// Len reports the number of indexed identities.
func (x *Index) Len() int { return len(x.views) }

// Block returns the ids sharing at least one blocking key with the
// candidate, sorted for deterministic iteration.
func (x *Index) Block(c *normalize.Candidate) []string {
	keys := blockingKeys(c)
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		for _, id := range x.byKey[k] {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (x *Index) post(key, id string) {
	for _, have := range x.byKey[key] {
		if have == id {
			return
		}
	}
	x.byKey[key] = append(x.byKey[key], id)
}

func blockingKeys(c *normalize.Candidate) []string {
	var keys []string
	if c.Email != "" {
		keys = append(keys, "e:"+c.Email)
	}
	if c.PhoneLast7 != "" {
		keys = append(keys, "p:"+c.PhoneLast7)
	}
	if c.LastName != "" {
		// One key per company token: a surname+company pair must block
		// even when the two sides disagree on titles or extra tokens.
		for _, tok := range dedupTokens(append([]string(nil), c.CompanyTokens...)) {
			keys = append(keys, "nc:"+c.LastName+"|"+tok)
		}
	}
	if c.LinkedInSlug != "" {
		keys = append(keys, "li:"+c.LinkedInSlug)
	}
	return keys
}

func newView(ident *model.CanonicalIdentity) *identityView {
	v := &identityView{
		id:              ident.ID,
		emails:          make(map[string]bool, len(ident.Emails)),
		lastInteraction: ident.Relationship.LastInteractionAt,
	}
	for _, e := range ident.Emails {
		if n := normalize.Email(e.Value); n != "" {
			v.emails[n] = true
		}
	}
	digits := normalize.Phone(ident.Phone.Value)
	if len(digits) >= 7 {
		v.phoneLast7 = digits[len(digits)-7:]
	} else {
		v.phoneLast7 = digits
	}
	name := normalize.Name(ident.FullName.Value)
	v.nameTokens = normalize.Tokens(name)
	if last := normalize.Name(ident.LastName.Value); last != "" {
		v.lastName = last
	} else if fields := strings.Fields(name); len(fields) > 1 {
		v.lastName = fields[len(fields)-1]
	}
	if first := normalize.Name(ident.FirstName.Value); first != "" {
		v.firstName = first
	} else if fields := strings.Fields(name); len(fields) > 0 {
		v.firstName = fields[0]
	}
	company := normalize.Tokens(normalize.Company(ident.Company.Value))
	v.companyTokens = dedupTokens(append([]string(nil), company...))
	v.orgTokens = dedupTokens(append(company, normalize.Tokens(ident.Title.Value)...))
	v.linkedInSlug = ident.LinkedInSlug.Value
	return v
}

func dedupTokens(tokens []string) []string {
	sort.Strings(tokens)
	out := tokens[:0]
	var prev string
	for i, t := range tokens {
		if i > 0 && t == prev {
			continue
		}
		out = append(out, t)
		prev = t
	}
	return out
}
