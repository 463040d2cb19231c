package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestJWTProviderRoundTrip(t *testing.T) {
	p := NewJWTProvider("secret")
	token, err := p.Sign(Identity{UserID: 7, DisplayName: "Ada", Department: "eng", Roles: []string{"moderator"}}, time.Minute)
	require.NoError(t, err)

	id, err := p.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
	assert.Equal(t, "Ada", id.DisplayName)
	assert.Equal(t, "eng", id.Department)
	assert.True(t, id.HasAnyRole([]string{"admin", "moderator"}))
}

func TestJWTProviderRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTProvider("a").Sign(Identity{UserID: 1}, time.Minute)
	require.NoError(t, err)

	_, err = NewJWTProvider("b").Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTProviderExpired(t *testing.T) {
	p := NewJWTProvider("secret")
	token, err := p.Sign(Identity{UserID: 1}, -time.Minute)
	require.NoError(t, err)

	_, err = p.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

type fakeInvoker struct {
	reply map[string]any
	err   error
	req   *structpb.Struct
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	if method != validateTokenMethod {
		return status.Error(codes.Unimplemented, method)
	}
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	s, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	out := reply.(*structpb.Struct)
	out.Fields = s.Fields
	return nil
}

func TestGRPCProviderMapsReply(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{
		"valid":        true,
		"user_id":      42,
		"display_name": "Grace",
		"department":   "ops",
		"roles":        []any{"admin"},
	}}
	id, err := NewGRPCProvider(inv).Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", inv.req.GetFields()["token"].GetStringValue())
	assert.Equal(t, Identity{UserID: 42, DisplayName: "Grace", Department: "ops", Roles: []string{"admin"}}, id)
}

func TestGRPCProviderInvalid(t *testing.T) {
	_, err := NewGRPCProvider(&fakeInvoker{reply: map[string]any{"valid": false}}).Verify(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewGRPCProvider(&fakeInvoker{err: status.Error(codes.Unauthenticated, "nope")}).Verify(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewGRPCProvider(&fakeInvoker{}).Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
