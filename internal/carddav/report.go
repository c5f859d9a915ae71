package carddav

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/store"
	"golang.org/x/text/cases"
)

const (
	reportMultiget = "addressbook-multiget"
	reportQuery    = "addressbook-query"

	testAnyOf = "anyof"
	testAllOf = "allof"

	matchContains   = "contains"
	matchEquals     = "equals"
	matchStartsWith = "starts-with"
	matchEndsWith   = "ends-with"

	collationUnicode = "i;unicode-casemap"
	collationASCII   = "i;ascii-casemap"
	collationOctet   = "i;octet"

	// A TEL text with at least this many digits and nothing but phone
	// punctuation is worth a remote lookup when the cache has no match.
	minLookupDigits = 5
)

type report struct {
	XMLName xml.Name
	Prop    struct {
		Names []anyElement `xml:",any"`
	} `xml:"DAV: prop"`
	AllProp *struct{} `xml:"DAV: allprop"`
	Hrefs   []string  `xml:"DAV: href"`
	Filter  *filter   `xml:"urn:ietf:params:xml:ns:carddav filter"`
	Limit   *struct {
		NResults int `xml:"urn:ietf:params:xml:ns:carddav nresults"`
	} `xml:"urn:ietf:params:xml:ns:carddav limit"`
}

type anyElement struct {
	XMLName xml.Name
}

type filter struct {
	Test        string       `xml:"test,attr"`
	PropFilters []propFilter `xml:"urn:ietf:params:xml:ns:carddav prop-filter"`
}

type propFilter struct {
	Name         string      `xml:"name,attr"`
	Test         string      `xml:"test,attr"`
	IsNotDefined *struct{}   `xml:"urn:ietf:params:xml:ns:carddav is-not-defined"`
	TextMatches  []textMatch `xml:"urn:ietf:params:xml:ns:carddav text-match"`
}

type textMatch struct {
	Collation string `xml:"collation,attr"`
	MatchType string `xml:"match-type,attr"`
	Negate    string `xml:"negate-condition,attr"`
	Text      string `xml:",chardata"`
}

// parseReport decodes a REPORT body and checks the parts this server acts on.
func parseReport(body []byte) (*report, error) {
	var r report
	if err := xml.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: report body: %v", errs.ErrMalformedInput, err)
	}
	if r.XMLName.Space != nsCardDAV || (r.XMLName.Local != reportMultiget && r.XMLName.Local != reportQuery) {
		return nil, fmt.Errorf("%w: unsupported report %s", errs.ErrMalformedInput, r.XMLName.Local)
	}
	if r.Filter != nil {
		if err := r.Filter.validate(); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// wants reports which of getetag and address-data the client asked for. An
// empty prop element or allprop asks for both.
func (r *report) wants() (etag, data bool) {
	if r.AllProp != nil || len(r.Prop.Names) == 0 {
		return true, true
	}
	for _, n := range r.Prop.Names {
		switch {
		case n.XMLName.Space == nsDAV && n.XMLName.Local == "getetag":
			etag = true
		case n.XMLName.Space == nsCardDAV && n.XMLName.Local == "address-data":
			data = true
		}
	}
	return etag, data
}

func (r *report) limit() int {
	if r.Limit == nil || r.Limit.NResults <= 0 {
		return 0
	}
	return r.Limit.NResults
}

func (f *filter) validate() error {
	if !validTest(f.Test) {
		return fmt.Errorf("%w: filter test %q", errs.ErrMalformedInput, f.Test)
	}
	for _, pf := range f.PropFilters {
		if pf.Name == "" {
			return fmt.Errorf("%w: prop-filter without name", errs.ErrMalformedInput)
		}
		if !validTest(pf.Test) {
			return fmt.Errorf("%w: prop-filter test %q", errs.ErrMalformedInput, pf.Test)
		}
		for _, tm := range pf.TextMatches {
			switch tm.MatchType {
			case "", matchContains, matchEquals, matchStartsWith, matchEndsWith:
			default:
				return fmt.Errorf("%w: match-type %q", errs.ErrMalformedInput, tm.MatchType)
			}
			switch tm.Collation {
			case "", collationUnicode, collationASCII, collationOctet:
			default:
				return fmt.Errorf("%w: collation %q", errs.ErrMalformedInput, tm.Collation)
			}
		}
	}
	return nil
}

func validTest(t string) bool {
	return t == "" || t == testAnyOf || t == testAllOf
}

// telQuery returns the text of the first positive TEL text-match, which is
// what the cache lookup narrows on. The narrowing is only sound when every
// contact that passes the filter must pass that prop-filter too.
func (f *filter) telQuery() (string, bool) {
	if f == nil || (len(f.PropFilters) > 1 && f.Test != testAllOf) {
		return "", false
	}
	for _, pf := range f.PropFilters {
		if !strings.EqualFold(pf.Name, vcard.FieldTelephone) || pf.IsNotDefined != nil {
			continue
		}
		if len(pf.TextMatches) != 1 && pf.Test != testAllOf {
			continue
		}
		for _, tm := range pf.TextMatches {
			if tm.negated() || store.NormalizeDigits(tm.Text) == "" {
				continue
			}
			return strings.TrimSpace(tm.Text), true
		}
	}
	return "", false
}

// phoneShaped reports whether s looks like a phone number rather than a
// fragment of one.
func phoneShaped(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-.() ", r):
		default:
			return false
		}
	}
	return digits >= minLookupDigits
}

// matches evaluates the filter against a decoded card. A nil filter matches
// everything.
func (f *filter) matches(card vcard.Card) bool {
	if f == nil || len(f.PropFilters) == 0 {
		return true
	}
	all := f.Test == testAllOf
	for _, pf := range f.PropFilters {
		ok := pf.matches(card)
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

func (pf propFilter) matches(card vcard.Card) bool {
	fields := card[strings.ToUpper(pf.Name)]
	if pf.IsNotDefined != nil {
		return len(fields) == 0
	}
	if len(fields) == 0 {
		return false
	}
	if len(pf.TextMatches) == 0 {
		return true
	}
	tel := strings.EqualFold(pf.Name, vcard.FieldTelephone)
	all := pf.Test == testAllOf
	for _, tm := range pf.TextMatches {
		ok := tm.matchesAny(fields, tel)
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

func (tm textMatch) negated() bool {
	return strings.EqualFold(tm.Negate, "yes")
}

// matchesAny applies the match to every value of the property. Phone values
// are compared on their digits so formatting never gets in the way.
func (tm textMatch) matchesAny(fields []*vcard.Field, tel bool) bool {
	needle := strings.TrimSpace(tm.Text)
	if tel && store.NormalizeDigits(needle) != "" {
		needle = store.NormalizeDigits(needle)
	} else {
		tel = false
	}
	needle = tm.fold(needle)

	hit := false
	for _, f := range fields {
		v := f.Value
		if tel {
			v = store.NormalizeDigits(v)
		}
		if compare(tm.MatchType, tm.fold(v), needle) {
			hit = true
			break
		}
	}
	return hit != tm.negated()
}

func (tm textMatch) fold(s string) string {
	switch tm.Collation {
	case collationOctet:
		return s
	case collationASCII:
		return asciiLower(s)
	default:
		return cases.Fold().String(s)
	}
}

func compare(matchType, value, needle string) bool {
	switch matchType {
	case matchEquals:
		return value == needle
	case matchStartsWith:
		return strings.HasPrefix(value, needle)
	case matchEndsWith:
		return strings.HasSuffix(value, needle)
	default:
		return strings.Contains(value, needle)
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
