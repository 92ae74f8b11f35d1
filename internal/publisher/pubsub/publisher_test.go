package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type digest struct {
	JobID string `json:"job_id"`
}

func (digest) Attributes() map[string]string { return map[string]string{"tenant_id": "t1"} }

func TestPublishToFakeServer(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "signals")
	require.NoError(t, err)

	pub, err := New(client, nil)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "signals", digest{JobID: "job_1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"job_id":"job_1"}`, string(msgs[0].Data))
	require.Equal(t, "t1", msgs[0].Attributes["tenant_id"])

	_, err = pub.Publish(ctx, "", digest{})
	require.Error(t, err)
	require.NoError(t, pub.Close())
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}
