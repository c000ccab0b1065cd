package urlnorm

import (
	"errors"
	"reflect"
	"testing"
)

// TestNormalize_SplitsQuery verifies the canonical URL carries no query and the query is preserved
func TestNormalize_SplitsQuery(t *testing.T) {
	n, err := Normalize("http://127.0.0.1:3001/callback?token=abc&user=42#frag")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if n.URL != "http://127.0.0.1:3001/callback" {
		t.Errorf("Expected canonical url without query, got %s", n.URL)
	}
	if n.Protocol != "http" {
		t.Errorf("Expected protocol http, got %s", n.Protocol)
	}

	expected := map[string]string{"token": "abc", "user": "42"}
	if !reflect.DeepEqual(n.Query, expected) {
		t.Errorf("Expected query %v, got %v", expected, n.Query)
	}
}

// TestNormalize_EmptyPath verifies that a bare host gets the root path
func TestNormalize_EmptyPath(t *testing.T) {
	n, err := Normalize("http://127.0.0.1:3002")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n.URL != "http://127.0.0.1:3002/" {
		t.Errorf("Expected http://127.0.0.1:3002/, got %s", n.URL)
	}
	if len(n.Query) != 0 {
		t.Errorf("Expected empty query, got %v", n.Query)
	}
}

// TestNormalize_Idempotent verifies that normalizing twice yields the same result
func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"http://blog.example/feeds?b=2&a=1",
		"HTTPS://Blog.Example:8443/feeds/",
		"ws://127.0.0.1:3001",
		"http://blog.example/a%2Fb?x=",
	}

	for _, input := range inputs {
		first, err := Normalize(input)
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", input, err)
		}
		second, err := Normalize(first.WithQuery())
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", first.WithQuery(), err)
		}
		if first.URL != second.URL {
			t.Errorf("URL not stable for %q: %s vs %s", input, first.URL, second.URL)
		}
		if !reflect.DeepEqual(first.Query, second.Query) {
			t.Errorf("Query not stable for %q: %v vs %v", input, first.Query, second.Query)
		}
	}
}

// TestNormalize_QueryOrderIndependent verifies identity does not depend on parameter order
func TestNormalize_QueryOrderIndependent(t *testing.T) {
	a, err := Normalize("http://blog.example/feeds?a=1&b=2")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	b, err := Normalize("http://blog.example/feeds?b=2&a=1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if a.URL != b.URL || a.WithQuery() != b.WithQuery() {
		t.Errorf("Expected identical normalization, got %+v and %+v", a, b)
	}
}

// TestNormalize_RepeatedKeyKeepsFirstValue verifies a repeated query key keeps its first value
func TestNormalize_RepeatedKeyKeepsFirstValue(t *testing.T) {
	n, err := Normalize("http://blog.example/feed?a=1&a=2&b=")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	expected := map[string]string{"a": "1", "b": ""}
	if !reflect.DeepEqual(n.Query, expected) {
		t.Errorf("Expected query %v, got %v", expected, n.Query)
	}
	if got := n.WithQuery(); got != "http://blog.example/feed?a=1&b=" {
		t.Errorf("Expected first value re-attached, got %s", got)
	}
}

// TestNormalize_Invalid verifies that relative or malformed input is rejected
func TestNormalize_Invalid(t *testing.T) {
	for _, input := range []string{"", "/feeds", "blog.example/feeds", "http://", "::not a url"} {
		_, err := Normalize(input)
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Normalize(%q): expected ErrInvalidURL, got %v", input, err)
		}
	}
}

// TestJoin verifies query parameters are merged onto a base URL
func TestJoin(t *testing.T) {
	got := Join("http://127.0.0.1:3001/cb", map[string]string{"hub.mode": "subscribe", "token": "abc"})
	want := "http://127.0.0.1:3001/cb?hub.mode=subscribe&token=abc"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if got := Join("http://127.0.0.1:3001/cb", nil); got != "http://127.0.0.1:3001/cb" {
		t.Errorf("Expected base url unchanged, got %s", got)
	}
}
