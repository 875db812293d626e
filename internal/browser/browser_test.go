package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatorSelector(t *testing.T) {
	cases := map[string]string{
		"/html[1]/body[1]/a[2]":  "xpath=/html[1]/body[1]/a[2]",
		" //button[@id='go'] ":   "xpath=//button[@id='go']",
		"(//li)[3]":              "xpath=(//li)[3]",
		"(/html/body//li)[3]":    "xpath=(/html/body//li)[3]",
		"#submit":                "#submit",
		"text=Sign in":           "text=Sign in",
		"xpath=/html[1]/body[1]": "xpath=/html[1]/body[1]",
	}
	for in, want := range cases {
		assert.Equal(t, want, locatorSelector(in), "input %q", in)
	}
}

func TestParseWaitUntil(t *testing.T) {
	cases := map[string]*playwright.WaitUntilState{
		"":                 playwright.WaitUntilStateLoad,
		"load":             playwright.WaitUntilStateLoad,
		"DOMContentLoaded": playwright.WaitUntilStateDomcontentloaded,
		"networkidle":      playwright.WaitUntilStateNetworkidle,
		"commit":           playwright.WaitUntilStateCommit,
	}
	for in, want := range cases {
		got, err := parseWaitUntil(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseWaitUntil("eventually")
	assert.Error(t, err)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap(nil))

	base := errors.New("timeout 30000ms exceeded")
	err := wrap(base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "playwright: timeout 30000ms exceeded", err.Error())
}

func TestCloseWithin(t *testing.T) {
	boom := errors.New("already closed")
	err := closeWithin(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = closeWithin(ctx, func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	called := false
	cancelled, stop := context.WithCancel(context.Background())
	stop()
	err = closeWithin(cancelled, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
