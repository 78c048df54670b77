package webguard

import "testing"

func TestMatchesPatternSQLInjection(t *testing.T) {
	cases := []string{
		"id=1 UNION SELECT username, password FROM users",
		"name=' OR '1'='1",
		"q=1; DROP TABLE orders",
		"SELECT * FROM information_schema.tables",
	}
	for _, input := range cases {
		if !MatchesPattern(input, CategorySQLInjection) {
			t.Errorf("expected sql injection match for %q", input)
		}
	}
}

func TestMatchesPatternXSS(t *testing.T) {
	cases := []string{
		`<script>alert(1)</script>`,
		`<img src=x onerror=alert(1)>`,
		`javascript:alert(document.cookie)`,
	}
	for _, input := range cases {
		if !MatchesPattern(input, CategoryXSS) {
			t.Errorf("expected xss match for %q", input)
		}
	}
}

func TestMatchesPatternPathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"..%2f..%2fetc%2fpasswd",
		"/var/www/../../etc/shadow",
	}
	for _, input := range cases {
		if !MatchesPattern(input, CategoryPathTraversal) {
			t.Errorf("expected path traversal match for %q", input)
		}
	}
}

func TestMatchesPatternCommandInjection(t *testing.T) {
	cases := []string{
		"file.txt; cat /etc/passwd",
		"$(whoami)",
		"`id`",
	}
	for _, input := range cases {
		if !MatchesPattern(input, CategoryCommandInjection) {
			t.Errorf("expected command injection match for %q", input)
		}
	}
}

func TestMatchesPatternCleanInput(t *testing.T) {
	clean := []string{
		"plain product search terms",
		"user42 at example dot com",
		"orderId 123456 quantity 2",
	}
	for _, input := range clean {
		for _, category := range PatternCategories() {
			if MatchesPattern(input, category) {
				t.Errorf("unexpected %s match for %q", category, input)
			}
		}
	}
}

func TestMatchesPatternNonString(t *testing.T) {
	payload := map[string]any{"comment": "<script>steal()</script>"}
	if !MatchesPattern(payload, CategoryXSS) {
		t.Fatal("expected xss match on serialized structure")
	}
	if MatchesPattern(nil, CategoryXSS) {
		t.Fatal("nil input must never match")
	}
	if MatchesPattern(make(chan int), CategoryXSS) {
		t.Fatal("unserializable input must never match")
	}
}

func TestMatchedCategoryOrder(t *testing.T) {
	if got := MatchedCategory("' OR '1'='1"); got != CategorySQLInjection {
		t.Fatalf("expected sql_injection, got %q", got)
	}
	if got := MatchedCategory("nothing suspicious here"); got != "" {
		t.Fatalf("expected no category, got %q", got)
	}
}
