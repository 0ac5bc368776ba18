// Package normalize converts raw provider records into the canonical
// candidate shape used for matching: trimmed and cased strings, digit-only
// phone numbers, tokenized names, and blocking-key material.
package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/okian/kinship/internal/domain/model"
)

// phoneBlockDigits is how many trailing digits form the phone blocking key.
const phoneBlockDigits = 7

var (
	honorifics  = map[string]bool{"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true}
	generations = map[string]bool{"jr": true, "sr": true, "ii": true, "iii": true, "iv": true}
	corpSuffix  = map[string]bool{"inc": true, "llc": true, "ltd": true, "corp": true, "co": true}

	nonDigit     = regexp.MustCompile(`\D`)
	whitespace   = regexp.MustCompile(`\s+`)
	linkedinPath = regexp.MustCompile(`linkedin\.com/(?:in|pub)/([^/?#]+)`)
)

// Candidate is a normalized view of one raw contact record. It keeps the
// raw record alongside the derived comparison fields.
type Candidate struct {
	Raw model.ContactCandidate

	Email       string
	EmailDomain string
	PhoneDigits string
	PhoneLast7  string

	FullName   string
	FirstName  string
	LastName   string
	NameTokens []string

	Company       string
	CompanyTokens []string
	Title         string
	TitleTokens   []string

	LinkedInSlug string
	Tags         []string
}

// Normalizer converts raw provider records into Candidates.
type Normalizer struct{}

// New constructs a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Normalize validates and canonicalizes a raw record. A ValidationError is
// returned for records with no usable identifying field.
func (n *Normalizer) Normalize(raw model.ContactCandidate) (*Candidate, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	c := &Candidate{Raw: raw}
	c.Email = Email(raw.Email)
	if at := strings.IndexByte(c.Email, '@'); at >= 0 {
		c.EmailDomain = c.Email[at+1:]
	}
	c.PhoneDigits = Phone(raw.Phone)
	if len(c.PhoneDigits) >= phoneBlockDigits {
		c.PhoneLast7 = c.PhoneDigits[len(c.PhoneDigits)-phoneBlockDigits:]
	} else {
		c.PhoneLast7 = c.PhoneDigits
	}

	c.FullName = Name(raw.FullName)
	c.FirstName = Name(raw.FirstName)
	c.LastName = Name(raw.LastName)
	if c.FullName == "" && (c.FirstName != "" || c.LastName != "") {
		c.FullName = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	c.NameTokens = Tokens(c.FullName)
	if c.LastName == "" && len(c.NameTokens) > 1 {
		c.LastName = c.NameTokens[len(c.NameTokens)-1]
	}
	if c.FirstName == "" && len(c.NameTokens) > 0 {
		c.FirstName = c.NameTokens[0]
	}

	c.Company = Company(raw.Company)
	c.CompanyTokens = Tokens(c.Company)
	c.Title = strings.ToLower(strings.TrimSpace(raw.Title))
	c.TitleTokens = Tokens(c.Title)

	c.LinkedInSlug = LinkedInSlug(raw.LinkedInURL)

	seen := make(map[string]bool, len(raw.Tags))
	for _, t := range raw.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		c.Tags = append(c.Tags, t)
	}
	sort.Strings(c.Tags)

	return c, nil
}

// Email lowercases and trims an address, folding gmail.com aliases: dots
// in the local part are insignificant and +suffixes are discarded.
func Email(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || !strings.Contains(s, "@") {
		return s
	}
	local, domain, _ := strings.Cut(s, "@")
	if domain == "gmail.com" || domain == "googlemail.com" {
		local = strings.ReplaceAll(local, ".", "")
		if plus := strings.IndexByte(local, '+'); plus >= 0 {
			local = local[:plus]
		}
	}
	return local + "@" + domain
}

// Phone strips everything but digits. A leading country "1" on an
// 11-digit number is dropped so US numbers compare consistently.
func Phone(s string) string {
	digits := nonDigit.ReplaceAllString(s, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// Name lowercases, collapses whitespace, and strips honorific prefixes and
// generational suffixes.
func Name(s string) string {
	s = whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
	if s == "" {
		return ""
	}
	words := strings.Split(s, " ")
	kept := words[:0]
	for _, w := range words {
		if honorifics[strings.TrimSuffix(w, ".")] || generations[strings.TrimSuffix(w, ".")] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Company lowercases and drops a trailing corporate suffix (inc, llc, ...).
func Company(s string) string {
	s = whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
	if s == "" {
		return ""
	}
	words := strings.Split(s, " ")
	if last := strings.TrimSuffix(words[len(words)-1], "."); len(words) > 1 && corpSuffix[last] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// LinkedInSlug extracts the profile slug from a linkedin.com/in or /pub URL.
func LinkedInSlug(url string) string {
	url = strings.ToLower(strings.TrimSpace(url))
	if url == "" {
		return ""
	}
	if m := linkedinPath.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// Tokens splits a normalized string into sorted, de-duplicated word tokens.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.Fields(s)
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
