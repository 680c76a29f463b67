package chatruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmissionDetectorCommitsOnNewline(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("hello world\n"))
	assert.Equal(t, []string{"hello world"}, d.DrainSubmitted())
}

func TestSubmissionDetectorStripsANSI(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("\x1b[32mgreen\x1b[0m text\r"))
	assert.Equal(t, []string{"green text"}, d.DrainSubmitted())
}

func TestSubmissionDetectorHandlesBackspace(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("hellox"))
	d.Feed([]byte{0x7f})
	d.Feed([]byte("\n"))
	assert.Equal(t, []string{"hello"}, d.DrainSubmitted())
}

func TestSubmissionDetectorClearsLineOnCtrlU(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("garbage"))
	d.Feed([]byte{0x15})
	d.Feed([]byte("clean\n"))
	assert.Equal(t, []string{"clean"}, d.DrainSubmitted())
}

func TestSubmissionDetectorCompactsWhitespace(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("hello   there\tfriend\n"))
	assert.Equal(t, []string{"hello there friend"}, d.DrainSubmitted())
}

func TestSubmissionDetectorCarriesPartialEscapeAcrossChunks(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("before \x1b[3"))
	d.Feed([]byte("2mgreen\x1b[0m after\n"))
	assert.Equal(t, []string{"before green after"}, d.DrainSubmitted())
}

func TestSubmissionDetectorIgnoresEmptySubmissions(t *testing.T) {
	d := newSubmissionDetector()
	d.Feed([]byte("\n\n"))
	assert.Nil(t, d.DrainSubmitted())
}

func TestCompleteUTF8PrefixHoldsBackPartialRune(t *testing.T) {
	// "h" followed by only the lead byte of "é" (0xC3 0xA9): the trailing
	// byte is a truncated multi-byte rune and must not be emitted yet.
	truncated := []byte{'h', 0xC3}
	complete := completeUTF8Prefix(truncated)
	assert.Equal(t, []byte{'h'}, complete)
}

func TestCompleteUTF8PrefixReturnsAllASCII(t *testing.T) {
	in := []byte("plain ascii text")
	assert.Equal(t, in, completeUTF8Prefix(in))
}
