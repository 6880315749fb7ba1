package internal_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/14-typing-race/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoomManager_Stop 停止時關閉所有房間內的連線
func TestRoomManager_Stop(t *testing.T) {
	manager := internal.NewRoomManager(testRoomConfig(), testLogger())
	ctx := context.Background()

	roomID, err := manager.CreateRoom(ctx, 1)
	require.NoError(t, err)

	conn, fc := newPlayer(1, "alice")
	require.NoError(t, manager.JoinRoom(ctx, roomID, conn))

	manager.Stop()
	fc.waitClosed(t)

	_, err = manager.CreateRoom(ctx, 2)
	assert.ErrorIs(t, err, internal.ErrManagerStopped)

	manager.Stop()
}

// TestRoomManager_UnknownDelete 刪除不存在的房間使管理器終止
func TestRoomManager_UnknownDelete(t *testing.T) {
	manager := internal.NewRoomManager(testRoomConfig(), testLogger())
	defer manager.Stop()
	ctx := context.Background()

	_, err := manager.CreateRoom(ctx, 1)
	require.NoError(t, err)

	manager.ReportDeleted(12345)

	_, err = manager.CreateRoom(ctx, 2)
	assert.ErrorIs(t, err, internal.ErrManagerStopped)
	_, err = manager.Stats(ctx)
	assert.ErrorIs(t, err, internal.ErrManagerStopped)
}

// TestRoomManager_CreateRoom 房號不重複
func TestRoomManager_CreateRoom(t *testing.T) {
	manager := internal.NewRoomManager(testRoomConfig(), testLogger())
	defer manager.Stop()
	ctx := context.Background()

	seen := make(map[internal.RoomID]bool)
	for i := range 50 {
		id, err := manager.CreateRoom(ctx, uint32(i))
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate room id %d", id)
		seen[id] = true
	}

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Rooms)
}
