package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/models"
)

const testRoomID = "7b0c5a52-3f0e-4d43-9a8f-1c2d3e4f5a6b"

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func TestCreateRoomInsertsOwnerInTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rooms`)).
		WithArgs(sqlmock.AnyArg(), "general", nil, false, "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO room_members`)).
		WithArgs(sqlmock.AnyArg(), "u1", models.RoleOwner, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	room, err := repo.CreateRoom(context.Background(), "u1", "general", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "general", room.Name)
	assert.Equal(t, "u1", room.CreatedBy)
	assert.Equal(t, 1, room.MemberCount)
	assert.NotEmpty(t, room.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoomRollsBackOnMemberFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rooms`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO room_members`)).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.CreateRoom(context.Background(), "u1", "general", nil, false)
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMemberDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO room_members`)).
		WithArgs(testRoomID, "u2", models.RoleMember, sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := repo.AddMember(context.Background(), testRoomID, "u2", models.RoleMember)
	require.ErrorIs(t, err, ErrAlreadyMember)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMemberSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO room_members`)).
		WithArgs(testRoomID, "u2", models.RoleMember, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	member, err := repo.AddMember(context.Background(), testRoomID, "u2", models.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, member.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsMember(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`)).
		WithArgs(testRoomID, "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsMember(context.Background(), testRoomID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsMember(context.Background(), "not-a-uuid", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoomNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM rooms r WHERE r.id=$1`)).
		WithArgs(testRoomID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetRoom(context.Background(), testRoomID)
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = repo.GetRoom(context.Background(), "bogus")
	require.ErrorIs(t, err, ErrRoomNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageCommitsBeforeReturning(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs("m1", testRoomID, "u1", "hello", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "author_id", "content", "created_at", "is_edited", "edited_at"}).
			AddRow("m1", testRoomID, "u1", "hello", now, false, nil))
	mock.ExpectCommit()

	saved, err := repo.CreateMessage(context.Background(), models.Message{ID: "m1", RoomID: testRoomID, AuthorID: "u1", Content: "hello", CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "hello", saved.Content)
	assert.Nil(t, saved.EditedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageRollsBackOnCommitFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO messages`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "author_id", "content", "created_at", "is_edited", "edited_at"}).
			AddRow("m1", testRoomID, "u1", "hello", now, false, nil))
	mock.ExpectCommit().WillReturnError(assert.AnError)

	_, err := repo.CreateMessage(context.Background(), models.Message{ID: "m1", RoomID: testRoomID, AuthorID: "u1", Content: "hello", CreatedAt: now})
	require.ErrorIs(t, err, assert.AnError)
}

func TestListRoomMessagesPaging(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(listRoomMessagesQuery)).
		WithArgs(testRoomID, 20, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "author_id", "content", "created_at", "is_edited", "edited_at"}).
			AddRow("m1", testRoomID, "u1", "a", time.Now(), false, nil))

	msgs, err := repo.ListRoomMessages(context.Background(), testRoomID, 2, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRoomMessagesBreaksTimestampTiesBySeq(t *testing.T) {
	assert.Contains(t, listRoomMessagesQuery, "ORDER BY created_at DESC, seq DESC")
	assert.Contains(t, listRoomMessagesQuery, "ORDER BY created_at ASC, seq ASC")
}

func TestNormalizePage(t *testing.T) {
	page, size := NormalizePage(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, DefaultPageSize, size)

	_, size = NormalizePage(3, 1000)
	assert.Equal(t, MaxPageSize, size)
}
