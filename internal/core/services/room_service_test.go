package services

import (
	"context"
	"errors"
	"testing"

	"carelink/internal/core/domain"
	"carelink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRoomRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestRoomService_JoinReturnsPresentParticipants(t *testing.T) {
	ctx := context.Background()
	svc := NewRoomService(memory.NewMemoryRoomRepository())

	present, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a", Name: "Clinician"})
	require.NoError(t, err)
	assert.Empty(t, present)

	present, err = svc.Join(ctx, "consult", &domain.Participant{ID: "b", Name: "Patient"})
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, domain.ParticipantID("a"), present[0].ID)

	room, err := svc.Room(ctx, "consult")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("a"), room.Participants[0].ID)
	assert.Equal(t, domain.ParticipantID("b"), room.Participants[1].ID)
	assert.False(t, room.Participants[1].JoinedAt.IsZero())
}

func TestRoomService_CapacityTwo(t *testing.T) {
	ctx := context.Background()
	svc := NewRoomService(memory.NewMemoryRoomRepository())

	_, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, "consult", &domain.Participant{ID: "b"})
	require.NoError(t, err)

	_, err = svc.Join(ctx, "consult", &domain.Participant{ID: "c"})
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	_, err = svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	assert.ErrorIs(t, err, domain.ErrParticipantExists)
}

func TestRoomService_LeaveAndRejoin(t *testing.T) {
	ctx := context.Background()
	svc := NewRoomService(memory.NewMemoryRoomRepository())

	_, _ = svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	_, _ = svc.Join(ctx, "consult", &domain.Participant{ID: "b"})

	remaining, err := svc.Leave(ctx, "consult", "a")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, domain.ParticipantID("b"), remaining[0].ID)

	// a returning participant sees b as present
	present, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, domain.ParticipantID("b"), present[0].ID)

	_, err = svc.Leave(ctx, "consult", "zzz")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoomService_LastLeaveDeletesRoom(t *testing.T) {
	ctx := context.Background()
	svc := NewRoomService(memory.NewMemoryRoomRepository())

	_, _ = svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	remaining, err := svc.Leave(ctx, "consult", "a")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = svc.Room(ctx, "consult")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_RepositoryErrors(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRoomRepository)
	svc := NewRoomService(repo)

	storeErr := errors.New("store unavailable")
	repo.On("Get", ctx, domain.RoomID("consult")).Return(nil, domain.ErrRoomNotFound).Once()
	repo.On("Save", ctx, mock.AnythingOfType("*domain.Room")).Return(storeErr).Once()

	_, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	assert.ErrorIs(t, err, storeErr)

	repo.On("Get", ctx, domain.RoomID("consult")).Return(nil, storeErr).Once()
	_, err = svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	assert.ErrorIs(t, err, storeErr)

	repo.AssertExpectations(t)
}

func TestRoomService_RejectsEmptyRoom(t *testing.T) {
	svc := NewRoomService(memory.NewMemoryRoomRepository())
	_, err := svc.Join(context.Background(), "", &domain.Participant{ID: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidRoomToken)
}

type MockRoomLocker struct {
	mock.Mock
	unlocked int
}

func (m *MockRoomLocker) LockRoom(ctx context.Context, id domain.RoomID) (func(), error) {
	args := m.Called(ctx, id)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return func() { m.unlocked++ }, nil
}

func TestRoomService_HoldsRoomLockAroundChanges(t *testing.T) {
	ctx := context.Background()
	locker := new(MockRoomLocker)
	svc := NewRoomService(memory.NewMemoryRoomRepository(), WithRoomLocker(locker))

	locker.On("LockRoom", ctx, domain.RoomID("consult")).Return(nil).Twice()

	_, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	require.NoError(t, err)
	_, err = svc.Leave(ctx, "consult", "a")
	require.NoError(t, err)

	assert.Equal(t, 2, locker.unlocked)
	locker.AssertExpectations(t)
}

func TestRoomService_LockFailureRejectsJoin(t *testing.T) {
	ctx := context.Background()
	locker := new(MockRoomLocker)
	repo := new(MockRoomRepository)
	svc := NewRoomService(repo, WithRoomLocker(locker))

	lockErr := errors.New("lock timeout")
	locker.On("LockRoom", ctx, domain.RoomID("consult")).Return(lockErr).Once()

	_, err := svc.Join(ctx, "consult", &domain.Participant{ID: "a"})
	assert.ErrorIs(t, err, lockErr)
	repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}
