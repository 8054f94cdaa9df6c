package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&Error{Class: ClassPermanent}, ClassPermanent},
		{&Error{Class: ClassAuth}, ClassAuth},
		{fmt.Errorf("wrapped: %w", &Error{Class: ClassPermanent}), ClassPermanent},
		{fmt.Errorf("refresh: %w", ErrReauthRequired), ClassAuth},
		{errors.New("connection reset"), ClassTransient},
	}
	for i, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("case %d: Classify = %v, want %v", i, got, c.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Class{
		401: ClassAuth,
		403: ClassAuth,
		400: ClassPermanent,
		404: ClassPermanent,
		429: ClassTransient,
		500: ClassTransient,
		503: ClassTransient,
	}
	for code, want := range cases {
		if got := classifyStatus(code); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestBuildMIME_UnsubscribeAlwaysPresent(t *testing.T) {
	mime := buildMIME(&Message{
		FromName:       "Sales",
		FromEmail:      "s@example.com",
		To:             "c@example.com",
		Subject:        "Hello",
		BodyHTML:       "<p>hi</p>",
		UnsubscribeURL: "https://t.example.com/u/abc",
	})

	if !strings.Contains(mime, "List-Unsubscribe: <https://t.example.com/u/abc>") {
		t.Error("List-Unsubscribe header missing")
	}
	if !strings.Contains(mime, "List-Unsubscribe-Post: List-Unsubscribe=One-Click") {
		t.Error("one-click unsubscribe header missing")
	}
	if !strings.Contains(mime, "From: Sales <s@example.com>") {
		t.Errorf("From header wrong:\n%s", mime)
	}
}

func TestBuildMIME_NoThreadHeadersWithoutThread(t *testing.T) {
	mime := buildMIME(&Message{FromEmail: "s@example.com", To: "c@example.com", Subject: "Hi"})
	if strings.Contains(mime, "In-Reply-To") || strings.Contains(mime, "References") {
		t.Error("thread headers present on a thread-less message")
	}
}
