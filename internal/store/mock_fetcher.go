package store

import (
	"context"

	"github.com/npezzotti/go-livechat/internal/api"
	"github.com/npezzotti/go-livechat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchAll(ctx context.Context, p api.FetchParams) ([]types.Message, error) {
	args := m.Called(ctx, p)
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Error(1)
}

func (m *MockFetcher) FetchOnDemand(ctx context.Context, p api.FetchParams, ids []types.MessageID) ([]types.Message, error) {
	args := m.Called(ctx, p, ids)
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Error(1)
}
