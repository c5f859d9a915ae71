package carddav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/setu/internal/codec"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/store"
	"go.uber.org/zap"
)

func (s *Server) wellKnown(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusMovedPermanently)
}

func (s *Server) options(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", allowHeader)
	w.Header().Set("DAV", davHeader)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) propfindRoot(w http.ResponseWriter, _ *http.Request) {
	m := newMultistatus(false)
	m.response("/",
		"<D:resourcetype><D:collection/></D:resourcetype>",
		"<D:current-user-principal><D:href>"+principals+"</D:href></D:current-user-principal>")
	m.write(w)
}

func (s *Server) propfindPrincipals(w http.ResponseWriter, _ *http.Request) {
	m := newMultistatus(false)
	m.response(principals,
		"<D:resourcetype><D:collection/></D:resourcetype>",
		"<C:addressbook-home-set><D:href>"+collection+"</D:href></C:addressbook-home-set>")
	m.write(w)
}

// propfindCollection describes the address book. Depth 1 and infinity add
// one entry per live contact; those come from the index, so no payload is
// decrypted.
func (s *Server) propfindCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctag, err := s.contacts.CTag(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var entries []store.Entry
	depth := r.Header.Get("Depth")
	if depth == "1" || strings.EqualFold(depth, "infinity") {
		if entries, err = s.contacts.Index(ctx); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	m := newMultistatus(true)
	m.response(collection,
		"<D:resourcetype><D:collection/><C:addressbook/></D:resourcetype>",
		"<D:displayname>"+displayName+"</D:displayname>",
		"<CS:getctag>"+xmlEscape(ctag)+"</CS:getctag>",
		"<D:supported-report-set>"+
			"<D:supported-report><D:report><C:addressbook-multiget/></D:report></D:supported-report>"+
			"<D:supported-report><D:report><C:addressbook-query/></D:report></D:supported-report>"+
			"</D:supported-report-set>")
	for _, e := range entries {
		m.response(Href(e.ResourceID), propETag(e.ETag), propContentType(), propResourceEmpty)
	}
	m.write(w)
}

func (s *Server) propfindContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.Get(r.Context(), ResourceID(chi.URLParam(r, "file")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m := newMultistatus(false)
	m.response(Href(c.ResourceID),
		propETag(c.ETag),
		propContentType(),
		"<D:getcontentlength>"+strconv.Itoa(len(c.VCard))+"</D:getcontentlength>",
		propResourceEmpty)
	m.write(w)
}

// getContact serves GET and HEAD; the server drops the body for HEAD.
func (s *Server) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.Get(r.Context(), ResourceID(chi.URLParam(r, "file")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.Header().Set("ETag", `"`+c.ETag+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.VCard)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(c.VCard)
	}
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, errs.ErrMalformedInput)
		return
	}
	rep, err := parseReport(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var contacts []store.Contact
	if rep.XMLName.Local == reportMultiget {
		contacts, err = s.multiget(r.Context(), rep.Hrefs)
	} else {
		contacts, err = s.query(r.Context(), rep.Filter)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if n := rep.limit(); n > 0 && len(contacts) > n {
		contacts = contacts[:n]
	}

	wantETag, wantData := rep.wants()
	m := newMultistatus(false)
	for _, c := range contacts {
		var props []string
		if wantETag {
			props = append(props, propETag(c.ETag))
		}
		if wantData {
			props = append(props, propAddressData(c.VCard))
		}
		m.response(Href(c.ResourceID), props...)
	}
	m.write(w)
}

// multiget returns the requested contacts in request order, skipping unknown
// hrefs. No hrefs means every contact.
func (s *Server) multiget(ctx context.Context, hrefs []string) ([]store.Contact, error) {
	if len(hrefs) == 0 {
		return s.contacts.List(ctx)
	}
	var out []store.Contact
	seen := make(map[string]bool, len(hrefs))
	for _, h := range hrefs {
		id, ok := hrefResource(h)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		c, err := s.contacts.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// query evaluates an addressbook-query. A TEL text-match narrows the scan
// through the phone index; when a phone-shaped one finds nothing locally the
// remote is searched once and the cache queried again.
func (s *Server) query(ctx context.Context, f *filter) ([]store.Contact, error) {
	tel, narrowed := f.telQuery()

	out, err := s.evaluate(ctx, f, tel, narrowed)
	if err != nil || len(out) > 0 || !narrowed || s.lookup == nil || !phoneShaped(tel) {
		return out, err
	}

	found, err := s.lookup.LiveLookup(ctx, tel)
	if err != nil {
		// Remote trouble is not the client's problem; it gets the local answer.
		s.logger.Warn("live lookup failed", zap.Error(err))
		return out, nil
	}
	if len(found) == 0 {
		return out, nil
	}
	return s.evaluate(ctx, f, tel, narrowed)
}

func (s *Server) evaluate(ctx context.Context, f *filter, tel string, narrowed bool) ([]store.Contact, error) {
	var (
		candidates []store.Contact
		err        error
	)
	if narrowed {
		candidates, err = s.contacts.FindByPhoneContains(ctx, tel)
	} else {
		candidates, err = s.contacts.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	if f == nil || len(f.PropFilters) == 0 {
		return candidates, nil
	}

	out := candidates[:0]
	for _, c := range candidates {
		card, err := codec.Decode(c.VCard)
		if err != nil {
			s.logger.Warn("skipping undecodable cached record", zap.String("resource", c.ResourceID))
			continue
		}
		if f.matches(card) {
			out = append(out, c)
		}
	}
	return out, nil
}
