package grid

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		line string
		want Identifier
	}{
		{"1234\n", Identifier{ID: "1234"}},
		{"1234.NO_REUSE", Identifier{ID: "1234", NoReuse: true}},
		{"1234.RERUN_TEST", Identifier{ID: "1234", Rerun: true}},
		{"1234.NO_REUSE.RERUN_TEST\n", Identifier{ID: "1234", NoReuse: true, Rerun: true}},
		{"host.example.com.4321", Identifier{ID: "host.example.com.4321"}},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			got := ParseIdentifier(tt.line)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.TrimSpace(tt.line), got.String())
		})
	}
}

func TestParseTestString(t *testing.T) {
	app, path, err := ParseTestString("A.v1:suite/t1\n")
	require.NoError(t, err)
	assert.Equal(t, "A.v1", app)
	assert.Equal(t, "suite/t1", path)

	_, path, err = ParseTestString("A:dir/with:colon")
	require.NoError(t, err)
	assert.Equal(t, "dir/with:colon", path)

	_, _, err = ParseTestString("no separator")
	assert.Error(t, err)
	_, _, err = ParseTestString(":t1")
	assert.Error(t, err)
}

func TestMessageFraming(t *testing.T) {
	state := types.Failed("output different", "diff", nil, []string{"host1"})
	data, err := types.EncodeState(state)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Identifier{ID: "99", NoReuse: true}, "B:s/t2", data))
	assert.True(t, strings.HasPrefix(buf.String(), "99.NO_REUSE\nB:s/t2\n{"))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, Identifier{ID: "99", NoReuse: true}, msg.Identifier)
	assert.Equal(t, "B", msg.App)
	assert.Equal(t, "s/t2", msg.RelPath)

	decoded, err := types.DecodeState(msg.State)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestReadMessageSentinel(t *testing.T) {
	msg, err := ReadMessage(strings.NewReader(TerminateServer + "\n"))
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = ReadMessage(strings.NewReader(TerminateServer))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReadMessageErrors(t *testing.T) {
	_, err := ReadMessage(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ReadMessage(strings.NewReader("1234\n"))
	assert.Error(t, err)

	_, err = ReadMessage(strings.NewReader("1234\nbroken\n{}"))
	assert.Error(t, err)
}
