package service

import (
	"testing"

	"teamchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type msgFixture struct {
	gdb      *gorm.DB
	hub      *fakeHub
	channels *ChannelService
	convs    *ConversationService
	msgs     *MessageService
	owner    *models.User
	member   *models.User
}

func newMsgFixture(t *testing.T) *msgFixture {
	t.Helper()
	gdb := newTestDB(t)
	hub := &fakeHub{}
	f := &msgFixture{
		gdb:      gdb,
		hub:      hub,
		channels: NewChannelService(gdb, hub),
		convs:    NewConversationService(gdb),
		msgs:     NewMessageService(gdb, hub),
		owner:    createUser(t, gdb, "alice"),
		member:   createUser(t, gdb, "bob"),
	}
	return f
}

func (f *msgFixture) channel(t *testing.T, name string) *models.Channel {
	t.Helper()
	ch, err := f.channels.CreateChannel(CreateChannelInput{Name: name}, f.owner.ID)
	require.NoError(t, err)
	require.NoError(t, f.channels.Join(ch.ID, f.member.ID))
	return ch
}

func TestCreateMessage_ExactlyOneTarget(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	conv, err := f.convs.FindOrCreate(f.owner.ID, f.member.ID)
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		target Target
	}{
		{"no target", Target{}},
		{"both targets", Target{ChannelID: &ch.ID, ConversationID: &conv.ID}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.msgs.Create(CreateInput{Target: tc.target, UserID: f.owner.ID, Content: "hi"})
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateMessage_EmptyContent(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	_, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "   "})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateMessage_BroadcastsToTopic(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	before := len(f.hub.published())

	dto, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", dto.Content)
	assert.Equal(t, models.MessageText, dto.Kind)

	events := f.hub.published()[before:]
	require.Len(t, events, 1)
	assert.Equal(t, ChannelTopic(ch.ID), events[0].topic)
	assert.Equal(t, "message_created", events[0].event)
}

func TestCreateMessage_ArchivedChannelRejectedWithoutBroadcast(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	require.NoError(t, f.channels.SetArchived(ch.ID, f.owner.ID, true))
	before := len(f.hub.published())

	_, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "hello"})
	assert.ErrorIs(t, err, ErrChannelArchived)
	assert.Len(t, f.hub.published(), before, "no broadcast may leak for a rejected message")
}

func TestCreateMessage_ConversationParticipantsOnly(t *testing.T) {
	f := newMsgFixture(t)
	conv, err := f.convs.FindOrCreate(f.owner.ID, f.member.ID)
	require.NoError(t, err)
	outsider := createUser(t, f.gdb, "carol")

	_, err = f.msgs.Create(CreateInput{Target: Target{ConversationID: &conv.ID}, UserID: outsider.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	dto, err := f.msgs.Create(CreateInput{Target: Target{ConversationID: &conv.ID}, UserID: f.member.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, *dto.ConversationID)

	// First message stamps the conversation's activity marker.
	var got models.DirectConversation
	require.NoError(t, f.gdb.First(&got, conv.ID).Error)
	assert.NotNil(t, got.LastMessageAt)
}

func TestCreateMessage_ParentMustShareTarget(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	other := f.channel(t, "random")

	parent, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "root"})
	require.NoError(t, err)

	_, err = f.msgs.Create(CreateInput{Target: Target{ChannelID: &other.ID}, UserID: f.owner.ID, Content: "reply", ParentID: &parent.ID})
	assert.ErrorIs(t, err, ErrValidation)

	reply, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "reply", ParentID: &parent.ID})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, *reply.ParentID)
}

func TestEditMessage_AuthorOnly(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	msg, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: "original"})
	require.NoError(t, err)

	// The channel owner is not the author; even privilege does not allow edit.
	_, err = f.msgs.Edit(msg.ID, f.owner.ID, "hijacked")
	assert.ErrorIs(t, err, ErrForbidden)

	edited, err := f.msgs.Edit(msg.ID, f.member.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.NotNil(t, edited.EditedAt)
}

func TestEditMessage_SystemMessagesImmutable(t *testing.T) {
	f := newMsgFixture(t)
	f.channel(t, "general")

	var sys models.Message
	require.NoError(t, f.gdb.Where("kind = ?", models.MessageSystem).First(&sys).Error)

	_, err := f.msgs.Edit(sys.ID, f.owner.ID, "tampered")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteMessage_Authorization(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	outsider := createUser(t, f.gdb, "carol")
	require.NoError(t, f.channels.Join(ch.ID, outsider.ID))

	t.Run("non-author member forbidden", func(t *testing.T) {
		msg, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: "x"})
		require.NoError(t, err)
		assert.ErrorIs(t, f.msgs.Delete(msg.ID, outsider.ID), ErrForbidden)
	})

	t.Run("author may delete", func(t *testing.T) {
		msg, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: "x"})
		require.NoError(t, err)
		require.NoError(t, f.msgs.Delete(msg.ID, f.member.ID))
	})

	t.Run("channel owner may delete others' messages", func(t *testing.T) {
		msg, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: "x"})
		require.NoError(t, err)
		require.NoError(t, f.msgs.Delete(msg.ID, f.owner.ID))
	})

	t.Run("conversation messages are author-only", func(t *testing.T) {
		conv, err := f.convs.FindOrCreate(f.owner.ID, f.member.ID)
		require.NoError(t, err)
		msg, err := f.msgs.Create(CreateInput{Target: Target{ConversationID: &conv.ID}, UserID: f.member.ID, Content: "x"})
		require.NoError(t, err)
		assert.ErrorIs(t, f.msgs.Delete(msg.ID, f.owner.ID), ErrForbidden)
		require.NoError(t, f.msgs.Delete(msg.ID, f.member.ID))
	})
}

func TestDeleteMessage_Tombstones(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	parent, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "root"})
	require.NoError(t, err)
	_, err = f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: "reply", ParentID: &parent.ID})
	require.NoError(t, err)

	require.NoError(t, f.msgs.Delete(parent.ID, f.owner.ID))

	// The row survives for thread shape, but content is tombstoned.
	list, err := f.msgs.List(Target{ChannelID: &ch.ID}, 50, 0)
	require.NoError(t, err)
	var found *MessageDTO
	for i := range list {
		if list[i].ID == parent.ID {
			found = &list[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.IsDeleted)
	assert.Empty(t, found.Content)
	assert.EqualValues(t, 1, found.ReplyCount)

	thread, err := f.msgs.Thread(parent.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 1)
}

func TestListMessages_CursorPagination(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	var ids []uint
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		dto, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: content})
		require.NoError(t, err)
		ids = append(ids, dto.ID)
	}

	page, err := f.msgs.List(Target{ChannelID: &ch.ID}, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID, "newest first")
	assert.Equal(t, ids[3], page[1].ID)

	page, err = f.msgs.List(Target{ChannelID: &ch.ID}, 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
}

func TestThread_InsertionOrder(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	parent, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "root"})
	require.NoError(t, err)
	for _, content := range []string{"first", "second", "third"} {
		_, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.member.ID, Content: content, ParentID: &parent.ID})
		require.NoError(t, err)
	}

	thread, err := f.msgs.Thread(parent.ID)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, "first", thread[0].Content)
	assert.Equal(t, "third", thread[2].Content)

	_, err = f.msgs.Thread(9999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestResolveTarget(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")
	conv, err := f.convs.FindOrCreate(f.owner.ID, f.member.ID)
	require.NoError(t, err)

	inChannel, err := f.msgs.Create(CreateInput{Target: Target{ChannelID: &ch.ID}, UserID: f.owner.ID, Content: "x"})
	require.NoError(t, err)
	inConv, err := f.msgs.Create(CreateInput{Target: Target{ConversationID: &conv.ID}, UserID: f.owner.ID, Content: "x"})
	require.NoError(t, err)

	target, err := f.msgs.ResolveTarget(inChannel.ID)
	require.NoError(t, err)
	require.NotNil(t, target.ChannelID)
	assert.Equal(t, ch.ID, *target.ChannelID)

	target, err = f.msgs.ResolveTarget(inConv.ID)
	require.NoError(t, err)
	require.NotNil(t, target.ConversationID)
	assert.Equal(t, conv.ID, *target.ConversationID)

	_, err = f.msgs.ResolveTarget(9999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestCreateMessage_WithAttachments(t *testing.T) {
	f := newMsgFixture(t)
	ch := f.channel(t, "general")

	dto, err := f.msgs.Create(CreateInput{
		Target:  Target{ChannelID: &ch.ID},
		UserID:  f.owner.ID,
		Content: "see attached",
		Attachments: []AttachmentInput{
			{URL: "https://files.example.com/a.png", ContentType: "image/png", Size: 1234},
		},
	})
	require.NoError(t, err)
	require.Len(t, dto.Attachments, 1)
	assert.Equal(t, "image/png", dto.Attachments[0].ContentType)

	list, err := f.msgs.List(Target{ChannelID: &ch.ID}, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Len(t, list[0].Attachments, 1)
}
