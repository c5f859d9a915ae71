package carddav

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/matheus3301/setu/internal/codec"
)

const (
	nsDAV     = "DAV:"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"

	davHeader    = "1, 3, addressbook"
	allowHeader  = "OPTIONS, GET, HEAD, PROPFIND, REPORT"
	xmlType      = "application/xml;charset=utf-8"
	statusOK     = "HTTP/1.1 200 OK"
	collection   = "/addressbook/"
	principals   = "/principals/"
	displayName  = "Google Contacts"
	hrefSuffix   = ".vcf"
	maxBodyBytes = 64 << 10
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func xmlEscape(s string) string { return escaper.Replace(s) }

// Href maps a remote resource name to its path in the collection.
func Href(resourceID string) string {
	return collection + strings.ReplaceAll(resourceID, "/", "_") + hrefSuffix
}

// ResourceID is the inverse of Href for the last path segment, with or
// without the .vcf suffix.
func ResourceID(segment string) string {
	return strings.ReplaceAll(strings.TrimSuffix(segment, hrefSuffix), "_", "/")
}

// hrefResource resolves an href from a multiget body. Clients send paths,
// absolute URLs and percent-encoded forms.
func hrefResource(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if !strings.HasPrefix(href, collection) {
		return "", false
	}
	seg := strings.TrimPrefix(href, collection)
	if seg == "" || strings.Contains(seg, "/") {
		return "", false
	}
	return ResourceID(seg), true
}

// multistatus accumulates a 207 body. Props are written raw; callers escape
// text content.
type multistatus struct {
	b strings.Builder
}

func newMultistatus(withCS bool) *multistatus {
	m := &multistatus{}
	m.b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	m.b.WriteString(`<D:multistatus xmlns:D="` + nsDAV + `" xmlns:C="` + nsCardDAV + `"`)
	if withCS {
		m.b.WriteString(` xmlns:CS="` + nsCS + `"`)
	}
	m.b.WriteString(">\n")
	return m
}

// response writes one <D:response> with a single 200 propstat.
func (m *multistatus) response(href string, props ...string) {
	m.b.WriteString("  <D:response>\n    <D:href>")
	m.b.WriteString(xmlEscape(href))
	m.b.WriteString("</D:href>\n    <D:propstat>\n      <D:prop>\n")
	for _, p := range props {
		m.b.WriteString("        ")
		m.b.WriteString(p)
		m.b.WriteString("\n")
	}
	m.b.WriteString("      </D:prop>\n      <D:status>" + statusOK + "</D:status>\n    </D:propstat>\n  </D:response>\n")
}

func (m *multistatus) write(w http.ResponseWriter) {
	m.b.WriteString("</D:multistatus>")
	body := m.b.String()
	w.Header().Set("Content-Type", xmlType)
	w.Header().Set("DAV", davHeader)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(body))
}

func propETag(etag string) string {
	return `<D:getetag>"` + xmlEscape(etag) + `"</D:getetag>`
}

func propAddressData(card []byte) string {
	return "<C:address-data>" + xmlEscape(string(card)) + "</C:address-data>"
}

func propContentType() string {
	return "<D:getcontenttype>" + codec.ContentType + "</D:getcontenttype>"
}

const propResourceEmpty = "<D:resourcetype/>"
