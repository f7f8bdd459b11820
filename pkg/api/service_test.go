package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
)

func TestServiceCallUnknownMethod(t *testing.T) {
	svc := NewService(nil, kernel.NewRegistry())

	reply, err := svc.Call(context.Background(), &CallRequest{Method: "no_such_method"})
	assert.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	assert.NotEmpty(t, reply.ErrMsg)
}

func TestServiceCallPingKernelNotFound(t *testing.T) {
	svc := NewService(nil, kernel.NewRegistry())

	reply, err := svc.Call(context.Background(), &CallRequest{Method: "ping_kernel", KernelID: "missing"})
	assert.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.NotEmpty(t, reply.ErrMsg)
}

func TestServiceCallPingKernelFound(t *testing.T) {
	registry := kernel.NewRegistry()
	registry.Insert(&kernel.Record{ID: "kernel-1"})
	svc := NewService(nil, registry)

	reply, err := svc.Call(context.Background(), &CallRequest{Method: "ping_kernel", KernelID: "kernel-1"})
	assert.NoError(t, err)
	assert.Empty(t, reply.ErrMsg)

	var result pingResult
	assert.NoError(t, msgpack.Unmarshal(reply.Payload, &result))
	assert.True(t, result.Alive)
}

func TestDecodePayloadEmpty(t *testing.T) {
	var out createKernelPayload
	assert.NoError(t, decodePayload(nil, &out))
}

func TestDecodePayloadInvalid(t *testing.T) {
	var out createKernelPayload
	err := decodePayload([]byte{0xff, 0xff}, &out)
	assert.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
