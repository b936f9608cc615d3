package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novaagent/internal/domain"
)

func TestConnector_ReadLinesAndListen(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.ReadLines(context.Background(), strings.NewReader("first\n\n  second  \n"), "alice"))

	msgs, err := c.Listen(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.Equal(t, "alice", msgs[1].Sender)
	assert.Equal(t, Name, msgs[0].Connector)
	assert.NotEqual(t, msgs[0].MessageID, msgs[1].MessageID)

	msgs, err = c.Listen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs, "listen drains the inbox")
}

func TestConnector_Send(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)

	err := c.Send(context.Background(), domain.ReplyTo{Connector: Name, To: "alice"}, "done", []domain.Attachment{{Name: "shot.png"}})
	require.NoError(t, err)
	assert.Equal(t, "[alice] done\n[alice] attachment: shot.png\n", out.String())
	assert.True(t, c.Health(context.Background()).OK)
}
