package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type withAttrs struct {
	Name string `json:"name"`
}

func (withAttrs) Attributes() map[string]string { return map[string]string{"kind": "test"} }

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", withAttrs{Name: "x"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Nil(t, msgs[0].Attributes)
	require.Equal(t, "test", msgs[1].Attributes["kind"])

	var decoded withAttrs
	require.NoError(t, msgs[1].Decode(&decoded))
	require.Equal(t, "x", decoded.Name)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)

	_, err = pub.Publish(context.Background(), "topic-c", func() {})
	require.Error(t, err)
}
