package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageTokens are the hidden values carried by a portal HTML page.
type pageTokens struct {
	CSRF         string
	ChallengeKey string
}

func parseTokens(body []byte) (pageTokens, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pageTokens{}, fmt.Errorf("parse page: %w", err)
	}
	return pageTokens{
		CSRF:         csrfToken(doc),
		ChallengeKey: challengeKey(doc),
	}, nil
}

// csrfToken prefers the hidden form input and falls back to the meta tag.
func csrfToken(doc *goquery.Document) string {
	if v := strings.TrimSpace(doc.Find(`input[name="_csrf"]`).First().AttrOr("value", "")); v != "" {
		return v
	}
	return strings.TrimSpace(doc.Find(`meta[name="_csrf"]`).First().AttrOr("content", ""))
}

func challengeKey(doc *goquery.Document) string {
	if v := strings.TrimSpace(doc.Find("#captchaKey_captchaKey").First().AttrOr("value", "")); v != "" {
		return v
	}
	return strings.TrimSpace(doc.Find(`input[id^="captchaKey_"]`).First().AttrOr("value", ""))
}
