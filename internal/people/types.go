package people

// PersonFields is the field mask requested for every person, shared by the
// connections listing and live search.
const PersonFields = "names,emailAddresses,phoneNumbers,addresses,organizations,birthdays,photos,metadata"

// Person is the subset of the People API person resource mirrored locally.
type Person struct {
	ResourceName   string          `json:"resourceName,omitempty"`
	Etag           string          `json:"etag,omitempty"`
	Metadata       *PersonMetadata `json:"metadata,omitempty"`
	Names          []Name          `json:"names,omitempty"`
	EmailAddresses []EmailAddress  `json:"emailAddresses,omitempty"`
	PhoneNumbers   []PhoneNumber   `json:"phoneNumbers,omitempty"`
	Addresses      []Address       `json:"addresses,omitempty"`
	Organizations  []Organization  `json:"organizations,omitempty"`
	Birthdays      []Birthday      `json:"birthdays,omitempty"`
	Photos         []Photo         `json:"photos,omitempty"`
}

// Deleted reports whether an incremental listing marked the person as removed.
func (p *Person) Deleted() bool {
	return p.Metadata != nil && p.Metadata.Deleted
}

// PhoneValues returns the raw phone number strings in order.
func (p *Person) PhoneValues() []string {
	out := make([]string, 0, len(p.PhoneNumbers))
	for _, ph := range p.PhoneNumbers {
		if ph.Value != "" {
			out = append(out, ph.Value)
		}
	}
	return out
}

// DisplayName returns the first name's display name, or "".
func (p *Person) DisplayName() string {
	if len(p.Names) == 0 {
		return ""
	}
	return p.Names[0].DisplayName
}

type PersonMetadata struct {
	Deleted bool `json:"deleted,omitempty"`
}

type Name struct {
	DisplayName     string `json:"displayName,omitempty"`
	FamilyName      string `json:"familyName,omitempty"`
	GivenName       string `json:"givenName,omitempty"`
	MiddleName      string `json:"middleName,omitempty"`
	HonorificPrefix string `json:"honorificPrefix,omitempty"`
	HonorificSuffix string `json:"honorificSuffix,omitempty"`
}

type EmailAddress struct {
	Value string `json:"value,omitempty"`
	Type  string `json:"type,omitempty"`
}

type PhoneNumber struct {
	Value         string `json:"value,omitempty"`
	CanonicalForm string `json:"canonicalForm,omitempty"`
	Type          string `json:"type,omitempty"`
}

type Address struct {
	StreetAddress string `json:"streetAddress,omitempty"`
	City          string `json:"city,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
	Type          string `json:"type,omitempty"`
}

type Organization struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
}

type Birthday struct {
	Date *Date  `json:"date,omitempty"`
	Text string `json:"text,omitempty"`
}

// Date is a calendar date; Year is 0 when unknown.
type Date struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

type Photo struct {
	URL     string `json:"url,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// ListRequest selects one page of people/me/connections.
type ListRequest struct {
	SyncToken string
	PageToken string
}

// ListResponse is one page of people/me/connections. NextSyncToken is only
// present on the last page.
type ListResponse struct {
	Connections   []Person `json:"connections"`
	NextPageToken string   `json:"nextPageToken"`
	NextSyncToken string   `json:"nextSyncToken"`
	TotalPeople   int      `json:"totalPeople"`
}

type searchResponse struct {
	Results []struct {
		Person Person `json:"person"`
	} `json:"results"`
}
