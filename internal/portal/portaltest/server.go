// Package portaltest provides an in-process fake of the doorplate portal for tests.
//
// The fake enforces the same session rules as the real portal:
//   - every form step must echo the latest _csrf value,
//   - captcha images are only served for the current key,
//   - a wrong answer rotates the key and the reply carries the new one,
//   - pages after the first are only served against the last issued token.
package portaltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// SessionCookie is the cookie the fake uses to track sessions.
const SessionCookie = "SESSION"

// InquiryOverride lets a test answer an inquiry itself. Returning handled=false
// falls through to the default behavior.
type InquiryOverride func(call int, form url.Values) (status int, body string, handled bool)

// Options tune the fake's behavior.
type Options struct {
	// Answer is the captcha text the fake accepts. Defaults to "abcde".
	Answer string
	// PageSize used when slicing records. Defaults to the rows field of the request.
	PageSize int
	// NestedToken places continuation tokens inside errorMsg instead of the top level.
	NestedToken bool
	// StaticToken keeps the same continuation value for every page.
	StaticToken bool
	// OmitTotal leaves the total field out of responses.
	OmitTotal bool
	// MetaCSRF renders the csrf token only as a meta tag.
	MetaCSRF bool
	// ImageBytes is the captcha image size. Defaults to 512.
	ImageBytes int
}

// Server is a fake portal backed by httptest.
type Server struct {
	*httptest.Server

	opts     Options
	mu       sync.Mutex
	sessions map[string]*session
	records  map[string][]map[string]any
	override InquiryOverride
	hits     map[string]int
	pages    []int
	seq      atomic.Int64
}

type session struct {
	csrf          string
	captchaKey    string
	captchaServed bool
	cityCode      string
	token         string
	area          string
}

// New starts a fake portal. Call Close when done.
func New(opts Options) *Server {
	if opts.Answer == "" {
		opts.Answer = "abcde"
	}
	if opts.ImageBytes <= 0 {
		opts.ImageBytes = 512
	}
	s := &Server{
		opts:     opts,
		sessions: map[string]*session{},
		records:  map[string][]map[string]any{},
		hits:     map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/info-doorplate/app/doorplate/main", s.handleMain)
	mux.HandleFunc("/info-doorplate/app/doorplate/map", s.handleMap)
	mux.HandleFunc("/info-doorplate/app/doorplate/query", s.handleQuery)
	mux.HandleFunc("/info-doorplate/captcha/image", s.handleCaptcha)
	mux.HandleFunc("/info-doorplate/app/doorplate/inquiry/date", s.handleInquiry)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetRecords installs the rows returned for an area code.
func (s *Server) SetRecords(areaCode string, rows []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[areaCode] = rows
}

// SetInquiryOverride installs a hook consulted before every inquiry.
func (s *Server) SetInquiryOverride(fn InquiryOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = fn
}

// ExpireSessions forgets every session so the next form step is refused.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]*session{}
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// InquiryPages returns the page numbers requested by inquiries, in order.
func (s *Server) InquiryPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pages...)
}

// Answer is the captcha text the fake accepts.
func (s *Server) Answer() string { return s.opts.Answer }

func (s *Server) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, s.seq.Add(1))
}

func (s *Server) count(r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()
}

// lookup returns the session bound to the request cookie. Callers hold s.mu.
func (s *Server) lookup(r *http.Request) *session {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	return s.sessions[c.Value]
}

func (s *Server) handleMain(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := s.next("sess")
	sess := &session{csrf: s.next("csrf")}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: id, Path: "/"})
	s.renderPage(w, sess.csrf, "")
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	sess, ok := s.checkForm(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	sess.csrf = s.next("csrf")
	csrf := sess.csrf
	s.mu.Unlock()
	s.renderPage(w, csrf, "")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	sess, ok := s.checkForm(w, r)
	if !ok {
		return
	}
	city := r.PostForm.Get("cityCode")
	if city == "" {
		http.Error(w, "cityCode required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sess.csrf = s.next("csrf")
	sess.captchaKey = s.next("key")
	sess.captchaServed = false
	sess.cityCode = city
	sess.token = ""
	csrf, key := sess.csrf, sess.captchaKey
	s.mu.Unlock()
	s.renderPage(w, csrf, key)
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	s.mu.Lock()
	sess := s.lookup(r)
	if sess == nil || sess.captchaKey == "" || r.URL.Query().Get("CAPTCHA_KEY") != sess.captchaKey {
		s.mu.Unlock()
		http.Error(w, "unknown captcha", http.StatusNotFound)
		return
	}
	sess.captchaServed = true
	s.mu.Unlock()
	w.Header().Set("Content-Type", "image/png")
	img := make([]byte, s.opts.ImageBytes)
	copy(img, "\x89PNG\r\n\x1a\n")
	_, _ = w.Write(img)
}

func (s *Server) handleInquiry(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	sess, ok := s.checkForm(w, r)
	if !ok {
		return
	}
	if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
		http.Error(w, "ajax only", http.StatusBadRequest)
		return
	}
	form := r.PostForm
	page, _ := strconv.Atoi(form.Get("page"))
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	s.pages = append(s.pages, page)
	call := len(s.pages)
	override := s.override
	s.mu.Unlock()
	if override != nil {
		if status, body, handled := override(call, form); handled {
			writeRaw(w, status, body)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if page == 1 {
		if form.Get("captchaKey") != sess.captchaKey || !sess.captchaServed ||
			form.Get("captchaInput") != s.opts.Answer {
			sess.captchaKey = s.next("key")
			sess.captchaServed = false
			sess.token = ""
			writeJSON(w, map[string]any{"errorMsg": encodeControl(map[string]any{
				"msg":     "驗證碼輸入錯誤",
				"error":   true,
				"captcha": sess.captchaKey,
			})})
			return
		}
		sess.captchaServed = false
		sess.area = form.Get("areaCode")
	} else {
		if sess.token == "" || form.Get("token") != sess.token || form.Get("captchaInput") != "" ||
			form.Get("areaCode") != sess.area {
			http.Error(w, "invalid continuation", http.StatusForbidden)
			return
		}
	}

	rows := s.records[sess.area]
	size := s.opts.PageSize
	if size <= 0 {
		size, _ = strconv.Atoi(form.Get("rows"))
	}
	if size <= 0 {
		size = 50
	}
	total := (len(rows) + size - 1) / size
	start := (page - 1) * size
	end := start + size
	if start > len(rows) {
		start = len(rows)
	}
	if end > len(rows) {
		end = len(rows)
	}

	if !s.opts.StaticToken || sess.token == "" {
		sess.token = s.next("tok")
	}
	resp := map[string]any{
		"records": len(rows),
		"page":    page,
		"rows":    rows[start:end],
	}
	if !s.opts.OmitTotal {
		resp["total"] = total
	}
	if s.opts.NestedToken {
		resp["errorMsg"] = encodeControl(map[string]any{"msg": "", "error": false, "token": sess.token})
	} else {
		resp["token"] = sess.token
	}
	writeJSON(w, resp)
}

// checkForm parses the form and enforces the session cookie and csrf echo.
func (s *Server) checkForm(w http.ResponseWriter, r *http.Request) (*session, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(r)
	if sess == nil {
		http.Error(w, "session expired", http.StatusForbidden)
		return nil, false
	}
	if r.PostForm.Get("_csrf") != sess.csrf {
		http.Error(w, "csrf mismatch", http.StatusForbidden)
		return nil, false
	}
	return sess, true
}

func (s *Server) renderPage(w http.ResponseWriter, csrf, key string) {
	var b strings.Builder
	b.WriteString("<html><head>")
	fmt.Fprintf(&b, `<meta name="_csrf" content="%s"/>`, csrf)
	b.WriteString("</head><body><form>")
	if !s.opts.MetaCSRF {
		fmt.Fprintf(&b, `<input type="hidden" name="_csrf" value="%s"/>`, csrf)
	}
	if key != "" {
		fmt.Fprintf(&b, `<input type="hidden" id="captchaKey_captchaKey" name="captchaKey" value="%s"/>`, key)
	}
	b.WriteString("</form></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func encodeControl(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
