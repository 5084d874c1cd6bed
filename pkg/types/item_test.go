// Copyright Peton Labs, 2026. All rights reserved.

package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestNormalizeDOI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", "10.1145/1234567.1234568", "10.1145/1234567.1234568"},
		{"https prefix", "https://doi.org/10.5555/ssi.2024.001", "10.5555/ssi.2024.001"},
		{"dx prefix", "http://dx.doi.org/10.5555/ssi.2024.001", "10.5555/ssi.2024.001"},
		{"doi colon prefix", "doi:10.5555/ssi.2024.001", "10.5555/ssi.2024.001"},
		{"uppercase prefix", "DOI:10.5555/ssi.2024.001", "10.5555/ssi.2024.001"},
		{"surrounding space", "  10.5555/ssi.2024.001 ", "10.5555/ssi.2024.001"},
		{"empty", "", ""},
		{"not a doi", "PMC1234567", ""},
		{"registrant too short", "10.123/abc", ""},
		{"missing suffix", "10.5555/", ""},
		{"embedded space", "10.5555/bad doi", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDOI(tt.in); got != tt.want {
				t.Errorf("NormalizeDOI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		item WorkItem
		want string
	}{
		{"doi separators replaced", WorkItem{DOI: "10.5555/ssi.2024.001"}, "10.5555_ssi.2024.001"},
		{"decorated doi normalized first", WorkItem{DOI: "https://doi.org/10.5555/ssi.2024.001"}, "10.5555_ssi.2024.001"},
		{"pmid fallback", WorkItem{PMID: "38012345"}, "pmid-38012345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Slug(); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlugHashFallbackIsStable(t *testing.T) {
	a := WorkItem{Title: "Surgical Site Infections", URL: "https://pub.example.org/1"}
	b := WorkItem{Title: "Surgical Site Infections", URL: "https://pub.example.org/1"}
	c := WorkItem{Title: "A Different Article", URL: "https://pub.example.org/2"}

	if a.Slug() != b.Slug() {
		t.Errorf("identical items slug differently: %q vs %q", a.Slug(), b.Slug())
	}
	if a.Slug() == c.Slug() {
		t.Errorf("distinct items share slug %q", a.Slug())
	}
}

func TestItemStatePredicates(t *testing.T) {
	for _, s := range []ItemState{StateFetching, StateExtracting} {
		if !s.InProgress() || s.Terminal() {
			t.Errorf("%s: InProgress=%v Terminal=%v", s, s.InProgress(), s.Terminal())
		}
	}
	for _, s := range []ItemState{StateDone, StateFailed} {
		if s.InProgress() || !s.Terminal() {
			t.Errorf("%s: InProgress=%v Terminal=%v", s, s.InProgress(), s.Terminal())
		}
	}
	if StatePending.InProgress() || StatePending.Terminal() {
		t.Error("pending is neither in-progress nor terminal")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", WithKind(KindUnreadableDoc, errors.New("no text")), KindUnreadableDoc},
		{"tagged through wrapping", fmt.Errorf("fetch: %w", WithKind(KindRateLimited, errors.New("budget"))), KindRateLimited},
		{"deadline", context.DeadlineExceeded, KindTransientNetwork},
		{"net timeout", &net.DNSError{IsTimeout: true}, KindTransientNetwork},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithKindNil(t *testing.T) {
	if err := WithKind(KindUnknown, nil); err != nil {
		t.Errorf("WithKind(nil) = %v, want nil", err)
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		KindTransientNetwork:  true,
		KindRateLimited:       true,
		KindUnreadableDoc:     false,
		KindExtractionService: false,
		KindSourceNotFound:    false,
		KindStorageUnavail:    false,
		KindUnknown:           false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}
