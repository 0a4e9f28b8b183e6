package transport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefRecorder(t *testing.T) {
	a := strings.Repeat("a", 40)
	b := strings.Repeat("b", 40)
	sha256 := strings.Repeat("c", 64)

	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	require.NoError(t, enc.EncodeString("shallow "+a+"\n"))
	require.NoError(t, enc.EncodeString(zeroSHA+" "+b+" refs/heads/new\x00report-status atomic\n"))
	require.NoError(t, enc.EncodeString(a+" "+b+" refs/heads/main\n"))
	require.NoError(t, enc.EncodeString(sha256+" "+sha256+" refs/tags/v1\n"))
	require.NoError(t, enc.EncodeString("not a command\n"))
	require.NoError(t, enc.Flush())
	// After the flush: push options and pack data that must not be parsed.
	require.NoError(t, enc.EncodeString(a+" "+b+" refs/heads/ignored\n"))
	buf.WriteString("PACK\x00\x00\x00\x02 binary")

	rec := newRefRecorder()
	data := buf.Bytes()
	// Feed in uneven chunks to exercise reassembly.
	for len(data) > 0 {
		n := 7
		if n > len(data) {
			n = len(data)
		}
		written, err := rec.Write(data[:n])
		require.NoError(t, err)
		require.Equal(t, n, written)
		data = data[n:]
	}

	refs := rec.Close()
	require.Len(t, refs, 3)
	assert.Equal(t, RefUpdate{OldSHA: zeroSHA, NewSHA: b, Ref: "refs/heads/new"}, refs[0])
	assert.Equal(t, "refs/heads/main", refs[1].Ref)
	assert.Equal(t, "refs/tags/v1", refs[2].Ref)

	branch, ok := refs[0].Branch()
	assert.True(t, ok)
	assert.Equal(t, "new", branch)
	_, ok = refs[2].Branch()
	assert.False(t, ok)
	assert.True(t, refs[0].IsCreate())
	assert.False(t, refs[1].IsDelete())
}

func TestRefRecorderTruncatedStream(t *testing.T) {
	rec := newRefRecorder()
	_, _ = rec.Write([]byte("00"))
	assert.Empty(t, rec.Close())

	// Writes after Close are swallowed.
	n, err := rec.Write([]byte("0000"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestParseRefLine(t *testing.T) {
	a := strings.Repeat("a", 40)

	_, ok := parseRefLine([]byte(a + " " + a))
	assert.False(t, ok)
	_, ok = parseRefLine([]byte("ABCDEF" + a[6:] + " " + a + " refs/heads/x"))
	assert.False(t, ok, "object ids are lower-case hex")
	_, ok = parseRefLine([]byte("push-cert\x00caps"))
	assert.False(t, ok)

	update, ok := parseRefLine([]byte(a + " " + a + " refs/heads/x\n"))
	require.True(t, ok)
	assert.Equal(t, "refs/heads/x", update.Ref)
}
