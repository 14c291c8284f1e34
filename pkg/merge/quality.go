package merge

import (
	"net/url"
	"regexp"
	"strings"
)

// Contact fields rank on structural quality before the trust cascade. Each
// scorer folds its ordered criteria into one comparable value using weight
// bands wide enough that a higher criterion always dominates a lower one.

// phoneQuality ranks E.164-shaped numbers above any international prefix,
// which ranks above bare digit count.
func phoneQuality(s string) float64 {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits > 999 {
		digits = 999
	}
	score := float64(digits)
	switch {
	case strings.HasPrefix(s, "+") && digits >= 8 && digits <= 15:
		score += 2000
	case strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00"):
		score += 1000
	}
	return score
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// freeMailDomains are consumer providers; an address on an organization's
// own domain says more about the entity.
var freeMailDomains = map[string]bool{
	"aol.com":        true,
	"gmail.com":      true,
	"googlemail.com": true,
	"hotmail.co.uk":  true,
	"hotmail.com":    true,
	"icloud.com":     true,
	"live.com":       true,
	"outlook.com":    true,
	"proton.me":      true,
	"protonmail.com": true,
	"yahoo.co.uk":    true,
	"yahoo.com":      true,
}

// emailQuality ranks well-formed addresses above malformed ones, and
// organization domains above free providers.
func emailQuality(s string) float64 {
	if !emailPattern.MatchString(s) {
		return 0
	}
	score := 1000.0
	domain := strings.ToLower(s[strings.LastIndexByte(s, '@')+1:])
	if !freeMailDomains[domain] {
		score += 1000
	}
	return score
}

// trackingParams mark URLs copied out of campaigns rather than canonical
// site links.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"msclkid": true,
}

// urlQuality ranks HTTPS above path depth above the absence of tracking
// parameters. Unparseable URLs score zero.
func urlQuality(s string) float64 {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return 0
	}
	var score float64
	if u.Scheme == "https" {
		score += 100000
	}
	depth := 0
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			depth++
		}
	}
	if depth > 99 {
		depth = 99
	}
	score += float64(depth) * 1000

	tracked := false
	for key := range u.Query() {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			tracked = true
			break
		}
	}
	if !tracked {
		score += 100
	}
	return score
}
