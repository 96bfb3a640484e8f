package mailbox

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// A code introduced by a label and a colon (ASCII or full width).
	labeledCodePattern = regexp.MustCompile(`(?is)(?:验证码|code|verification|passcode|pin).*?[:：]\s*([A-Za-z0-9]{4,8})\b`)
	// Any standalone six digit number.
	bareCodePattern = regexp.MustCompile(`\b\d{6}\b`)
)

// ExtractCode finds a verification code in a message body. A labeled token
// wins over a bare six digit number appearing anywhere in the text.
func ExtractCode(body string) (string, bool) {
	if m := labeledCodePattern.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	if code := bareCodePattern.FindString(body); code != "" {
		return code, true
	}
	return "", false
}

// HTMLText renders an HTML mail body to its visible text.
func HTMLText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head").Remove()

	var parts []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(doc.Text())
	}
	return strings.Join(parts, "\n")
}

// messageText picks the body used for extraction.
func messageText(m Message) string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	if m.HTML == "" {
		return ""
	}
	return HTMLText(string(m.HTML))
}
