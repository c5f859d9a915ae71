// Package codec maps People API persons to vCard 3.0 records and back.
//
// Records are built on go-vcard's Card model and written by its encoder, so
// the field order is the encoder's (VERSION first, then keys sorted). Every
// field carries at most one parameter, which keeps the output byte-stable.
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-vcard"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/people"
)

const (
	Version     = "3.0"
	ContentType = "text/vcard;charset=utf-8"

	paramValue = "VALUE"
	foldAt     = 75
)

// UID derives the vCard UID from a resource name: "people/c1" -> "people-c1".
func UID(resourceName string) string {
	return strings.ReplaceAll(resourceName, "/", "-")
}

// ResourceName reverses UID. Resource names have exactly one slash.
func ResourceName(uid string) string {
	return strings.Replace(uid, "-", "/", 1)
}

// ToWire renders p as a vCard 3.0 record. Gaps in the person produce a
// best-effort record and a warning, never an error.
func ToWire(p *people.Person) ([]byte, []string) {
	var warnings []string
	card := vcard.Card{}
	card.SetValue(vcard.FieldVersion, Version)

	uid := p.ResourceName
	if uid == "" {
		uid = "unknown"
		warnings = append(warnings, "missing resource name")
	}
	card.SetValue(vcard.FieldUID, UID(uid))

	if len(p.Names) > 0 {
		n := p.Names[0]
		card.SetName(&vcard.Name{
			FamilyName:      component(n.FamilyName),
			GivenName:       component(n.GivenName),
			AdditionalName:  component(n.MiddleName),
			HonorificPrefix: component(n.HonorificPrefix),
			HonorificSuffix: component(n.HonorificSuffix),
		})
		fn := n.DisplayName
		if fn == "" {
			fn = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
		}
		if fn == "" {
			warnings = append(warnings, "name has no display, given or family part")
		}
		card.SetValue(vcard.FieldFormattedName, text(fn))
	} else {
		card.SetName(&vcard.Name{})
		card.SetValue(vcard.FieldFormattedName, "")
		warnings = append(warnings, "missing name")
	}

	for _, ph := range p.PhoneNumbers {
		if ph.Value == "" {
			continue
		}
		card.Add(vcard.FieldTelephone, typed(text(ph.Value), phoneType(ph.Type)))
	}
	for _, e := range p.EmailAddresses {
		if e.Value == "" {
			continue
		}
		card.Add(vcard.FieldEmail, typed(text(e.Value), emailType(e.Type)))
	}
	for _, a := range p.Addresses {
		card.AddAddress(&vcard.Address{
			Field:         &vcard.Field{Params: vcard.Params{vcard.ParamType: {addressType(a.Type)}}},
			StreetAddress: component(a.StreetAddress),
			Locality:      component(a.City),
			Region:        component(a.Region),
			PostalCode:    component(a.PostalCode),
			Country:       component(a.Country),
		})
	}

	if len(p.Organizations) > 0 {
		org := p.Organizations[0]
		if org.Name != "" {
			card.SetValue(vcard.FieldOrganization, text(org.Name))
		}
		if org.Title != "" {
			card.SetValue(vcard.FieldTitle, text(org.Title))
		}
	}

	if len(p.Birthdays) > 0 {
		if bday, ok := formatBirthday(p.Birthdays[0].Date); ok {
			card.SetValue(vcard.FieldBirthday, bday)
		} else if p.Birthdays[0].Date != nil {
			warnings = append(warnings, "birthday without month or day")
		}
	}

	if len(p.Photos) > 0 && p.Photos[0].URL != "" && !p.Photos[0].Default {
		card.Set(vcard.FieldPhoto, &vcard.Field{
			Value:  text(p.Photos[0].URL),
			Params: vcard.Params{paramValue: {"URI"}},
		})
	}

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		// Only a missing VERSION fails, and it is always set above.
		warnings = append(warnings, fmt.Sprintf("encode: %v", err))
	}
	return fold(buf.Bytes()), warnings
}

// FromWire parses a vCard record back into a person. Only the fields ToWire
// writes are read.
func FromWire(data []byte) (*people.Person, error) {
	card, err := Decode(data)
	if err != nil {
		return nil, err
	}

	p := &people.Person{}
	if uid := card.Value(vcard.FieldUID); uid != "" && uid != "unknown" {
		p.ResourceName = ResourceName(uid)
	}

	fn := card.Value(vcard.FieldFormattedName)
	if n := card.Name(); n != nil || fn != "" {
		name := people.Name{DisplayName: fn}
		if n != nil {
			name.FamilyName = n.FamilyName
			name.GivenName = n.GivenName
			name.MiddleName = n.AdditionalName
			name.HonorificPrefix = n.HonorificPrefix
			name.HonorificSuffix = n.HonorificSuffix
		}
		if name != (people.Name{}) {
			p.Names = []people.Name{name}
		}
	}

	for _, f := range card[vcard.FieldTelephone] {
		p.PhoneNumbers = append(p.PhoneNumbers, people.PhoneNumber{
			Value: f.Value,
			Type:  phoneTypeFromWire(paramType(f)),
		})
	}
	for _, f := range card[vcard.FieldEmail] {
		p.EmailAddresses = append(p.EmailAddresses, people.EmailAddress{
			Value: f.Value,
			Type:  emailTypeFromWire(paramType(f)),
		})
	}
	for _, a := range card.Addresses() {
		p.Addresses = append(p.Addresses, people.Address{
			StreetAddress: a.StreetAddress,
			City:          a.Locality,
			Region:        a.Region,
			PostalCode:    a.PostalCode,
			Country:       a.Country,
			Type:          strings.ToLower(paramType(a.Field)),
		})
	}

	org := people.Organization{
		Name:  card.Value(vcard.FieldOrganization),
		Title: card.Value(vcard.FieldTitle),
	}
	if org != (people.Organization{}) {
		p.Organizations = []people.Organization{org}
	}

	if raw := card.Value(vcard.FieldBirthday); raw != "" {
		d, err := parseBirthday(raw)
		if err != nil {
			return nil, err
		}
		p.Birthdays = []people.Birthday{{Date: d}}
	}

	if url := card.Value(vcard.FieldPhoto); url != "" {
		p.Photos = []people.Photo{{URL: url}}
	}
	return p, nil
}

func typed(value, typ string) *vcard.Field {
	return &vcard.Field{Value: value, Params: vcard.Params{vcard.ParamType: {typ}}}
}

func paramType(f *vcard.Field) string {
	if f == nil {
		return ""
	}
	for k, vs := range f.Params {
		if strings.EqualFold(k, vcard.ParamType) && len(vs) > 0 {
			return strings.ToUpper(vs[0])
		}
	}
	return ""
}

// text drops carriage returns so every record uses CRLF only as the line
// terminator.
func text(s string) string {
	return strings.ReplaceAll(s, "\r", "")
}

// component additionally replaces semicolons, which would otherwise shift the
// parts of a structured N or ADR value.
func component(s string) string {
	return strings.ReplaceAll(text(s), ";", ",")
}

func phoneType(t string) string {
	switch t {
	case "mobile":
		return "CELL"
	case "home":
		return "HOME"
	case "work":
		return "WORK"
	case "homeFax", "workFax":
		return "FAX"
	}
	return "VOICE"
}

func phoneTypeFromWire(t string) string {
	switch t {
	case "CELL":
		return "mobile"
	case "HOME":
		return "home"
	case "WORK":
		return "work"
	case "FAX":
		return "homeFax"
	}
	return "other"
}

func emailType(t string) string {
	switch t {
	case "home":
		return "HOME"
	case "work":
		return "WORK"
	}
	return "INTERNET"
}

func emailTypeFromWire(t string) string {
	switch t {
	case "HOME":
		return "home"
	case "WORK":
		return "work"
	}
	return "other"
}

func addressType(t string) string {
	if t == "work" {
		return "WORK"
	}
	return "HOME"
}

func formatBirthday(d *people.Date) (string, bool) {
	if d == nil || d.Month <= 0 || d.Day <= 0 {
		return "", false
	}
	if d.Year > 0 {
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day), true
	}
	return fmt.Sprintf("--%02d-%02d", d.Month, d.Day), true
}

func parseBirthday(s string) (*people.Date, error) {
	bad := fmt.Errorf("%w: birthday %q", errs.ErrMalformedInput, s)
	var y, rest string
	if tail, ok := strings.CutPrefix(s, "--"); ok {
		rest = tail
	} else {
		var found bool
		y, rest, found = strings.Cut(s, "-")
		if !found {
			return nil, bad
		}
	}
	m, d, found := strings.Cut(rest, "-")
	if !found {
		return nil, bad
	}

	out := &people.Date{}
	var err error
	if y != "" {
		if out.Year, err = strconv.Atoi(y); err != nil {
			return nil, bad
		}
	}
	if out.Month, err = strconv.Atoi(m); err != nil || out.Month < 1 || out.Month > 12 {
		return nil, bad
	}
	if out.Day, err = strconv.Atoi(d); err != nil || out.Day < 1 || out.Day > 31 {
		return nil, bad
	}
	return out, nil
}

// Decode parses a folded vCard record into its properties.
func Decode(data []byte) (vcard.Card, error) {
	card, err := vcard.NewDecoder(bytes.NewReader(unfold(data))).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: decode vcard: %v", errs.ErrMalformedInput, err)
	}
	return card, nil
}

// fold breaks content lines longer than 75 octets, continuing with a single
// space, without splitting a UTF-8 sequence.
func fold(record []byte) []byte {
	lines := strings.Split(strings.TrimSuffix(string(record), "\r\n"), "\r\n")
	var out strings.Builder
	out.Grow(len(record) + len(record)/foldAt*3)
	for _, line := range lines {
		limit := foldAt
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			out.WriteString(line[:cut])
			out.WriteString("\r\n ")
			line = line[cut:]
			// The leading space counts toward the next line's octets.
			limit = foldAt - 1
		}
		out.WriteString(line)
		out.WriteString("\r\n")
	}
	return []byte(out.String())
}

func unfold(record []byte) []byte {
	s := strings.ReplaceAll(string(record), "\r\n ", "")
	s = strings.ReplaceAll(s, "\r\n\t", "")
	return []byte(s)
}
