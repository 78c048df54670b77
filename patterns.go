package webguard

import (
	"encoding/json"
	"regexp"
)

// PatternCategory names one attack-signature family. Categories are fixed;
// the signature lists behind them are maintained and extended over time.
type PatternCategory string

const (
	CategorySQLInjection     PatternCategory = "sql_injection"
	CategoryXSS              PatternCategory = "xss"
	CategoryPathTraversal    PatternCategory = "path_traversal"
	CategoryCommandInjection PatternCategory = "command_injection"
	CategoryLDAPInjection    PatternCategory = "ldap_injection"
	CategoryXMLInjection     PatternCategory = "xml_injection"
)

var patternLibrary = map[PatternCategory][]*regexp.Regexp{
	CategorySQLInjection: {
		regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`),
		regexp.MustCompile(`(?i)(\bor\b|\band\b)\s+[\d'"]+\s*=\s*[\d'"]+`),
		regexp.MustCompile(`(?i)'\s*or\s*'[^']*'\s*=\s*'`),
		regexp.MustCompile(`(?i)(--|#|/\*)\s*$|/\*.*\*/`),
		regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|exec|execute)\b`),
		regexp.MustCompile(`(?i)\b(sleep|benchmark)\s*\(\s*\d+|waitfor\s+delay\s+'`),
		regexp.MustCompile(`(?i)\b(information_schema|sysobjects|sysdatabases|pg_catalog|sp_executesql)\b`),
		regexp.MustCompile(`(?i)\b(load_file|extractvalue|updatexml)\s*\(|into\s+(out|dump)file\b`),
	},
	CategoryXSS: {
		regexp.MustCompile(`(?i)<\s*script[^>]*>`),
		regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|mouseout|focus|blur|submit|change|input|keyup|keydown)\s*=`),
		regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
		regexp.MustCompile(`(?i)<\s*(iframe|embed|object|svg|img)\b[^>]*(src|href|data|onerror)\s*=`),
		regexp.MustCompile(`(?i)document\.(cookie|write|location|domain)`),
		regexp.MustCompile(`(?i)window\.(location|open)\s*[=(]`),
		regexp.MustCompile(`(?i)\b(eval|unescape)\s*\(|String\.fromCharCode`),
		regexp.MustCompile(`(?i)expression\s*\(|url\s*\(\s*(javascript|data):`),
	},
	CategoryPathTraversal: {
		regexp.MustCompile(`\.\.[\\/]`),
		regexp.MustCompile(`(?i)(%2e%2e|%252e%252e)(%2f|%5c|[\\/])`),
		regexp.MustCompile(`(?i)\.\.(%2f|%5c)`),
		regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts)|/proc/self/|/windows/system32/|boot\.ini|win\.ini`),
		regexp.MustCompile(`(?i)(%00|\\x00)`),
	},
	CategoryCommandInjection: {
		regexp.MustCompile("(?i)(;|\\||&&|`)\\s*(cat|ls|dir|whoami|id|uname|pwd|wget|curl|nc|ncat|bash|sh|cmd|powershell|python|perl|ruby|php)\\b"),
		regexp.MustCompile(`(?i)\$\(\s*(cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh)\b`),
		regexp.MustCompile("`[^`]*(cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh)[^`]*`"),
		regexp.MustCompile(`(?i)\b(nc|ncat)\s+-[elp]\b|bash\s+-i\s+>&|/dev/(tcp|udp)/`),
		regexp.MustCompile(`(?i)/bin/(ba)?sh\b`),
	},
	CategoryLDAPInjection: {
		regexp.MustCompile(`\*\)\(&|\)\(\||\)\(!\(`),
		regexp.MustCompile(`(?i)(\(\||\(&|\(!)\s*\(?\s*(uid|cn|sn|mail|objectclass)\s*=`),
		regexp.MustCompile(`(?i)%2a%29%28`),
	},
	CategoryXMLInjection: {
		regexp.MustCompile(`(?i)<!DOCTYPE\s+[^>]*\[`),
		regexp.MustCompile(`(?i)<!ENTITY\s+\S+\s+(SYSTEM|PUBLIC)\b`),
		regexp.MustCompile(`(?i)<!\[CDATA\[.*(<script|javascript:)`),
	},
}

// PatternCategories lists every category the matcher understands, in a
// stable order.
func PatternCategories() []PatternCategory {
	return []PatternCategory{
		CategorySQLInjection,
		CategoryXSS,
		CategoryPathTraversal,
		CategoryCommandInjection,
		CategoryLDAPInjection,
		CategoryXMLInjection,
	}
}

// MatchesPattern reports whether data contains a signature from the given
// category. Non-string input is canonicalized to its JSON form first, since
// the signatures are textual. Unserializable input never matches; the
// blocking layer above is responsible for failing closed where required.
func MatchesPattern(data any, category PatternCategory) bool {
	text := canonicalText(data)
	if text == "" {
		return false
	}
	for _, re := range patternLibrary[category] {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MatchedCategory returns the first category (in PatternCategories order)
// that data matches, or "" when clean.
func MatchedCategory(data any) PatternCategory {
	text := canonicalText(data)
	if text == "" {
		return ""
	}
	for _, category := range PatternCategories() {
		for _, re := range patternLibrary[category] {
			if re.MatchString(text) {
				return category
			}
		}
	}
	return ""
}

func canonicalText(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
