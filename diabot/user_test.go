package diabot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	t.Parallel()

	u, err := NewUser(
		discordgo.User{
			ID:         t.Name(),
			Username:   "someuser",
			GlobalName: "Some User",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, t.Name(), u.ID)
	assert.Equal(t, "someuser", u.Username)
	assert.Equal(t, "Some User", u.GlobalName)
	assert.False(t, u.Bot)
	assert.False(t, u.Ignored)
	assert.NotZero(t, u.LastSeen)
	assert.Contains(t, u.Content, "someuser")

	// bot users are ignored from the start
	bot, err := NewUser(
		discordgo.User{
			ID:       fmt.Sprintf("%s-bot", t.Name()),
			Username: "somebot",
			Bot:      true,
		},
	)
	require.NoError(t, err)
	assert.True(t, bot.Bot)
	assert.True(t, bot.Ignored)
}

func TestUserUnits(t *testing.T) {
	t.Parallel()

	u := &User{}
	assert.Equal(t, UnitMgdl, u.Units())

	u.PreferredUnits = UnitMmol
	assert.Equal(t, UnitMmol, u.Units())

	u.PreferredUnits = UnitMgdl
	assert.Equal(t, UnitMgdl, u.Units())

	// junk values fall back to mg/dL rather than propagating
	u.PreferredUnits = "furlongs"
	assert.Equal(t, UnitMgdl, u.Units())
}

func TestUserChangedDiscordUsername(t *testing.T) {
	t.Parallel()

	u := &User{Username: "someuser", GlobalName: "Some User"}

	assert.False(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "someuser", GlobalName: "Some User"},
		),
	)
	assert.True(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "renamed", GlobalName: "Some User"},
		),
	)
	assert.True(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "someuser", GlobalName: "Renamed"},
		),
	)
}

func TestUserCommandsSince(t *testing.T) {
	t.Parallel()
	db := gormDB(t)

	user := User{ID: t.Name(), Username: t.Name(), GlobalName: t.Name()}
	require.NoError(t, db.Create(&user).Error)

	createdRecently := time.Now().Add(-time.Hour)
	createdOld := time.Now().Add(-48 * time.Hour)
	commands := []CommandLog{
		{
			CommandName: DiscordSlashCommandConvert,
			Interaction: Interaction{
				UserID:        user.ID,
				InteractionID: fmt.Sprintf("%s-1", t.Name()),
			},
			ModelUnixTime: ModelUnixTime{CreatedAt: createdOld.UnixMilli()},
		},
		{
			CommandName: DiscordSlashCommandGraph,
			Interaction: Interaction{
				UserID:        user.ID,
				InteractionID: fmt.Sprintf("%s-2", t.Name()),
			},
			ModelUnixTime: ModelUnixTime{CreatedAt: createdRecently.UnixMilli()},
		},
	}
	require.NoError(t, db.Create(&commands).Error)

	rv, err := user.CommandsSince(db, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rv, 1)
	assert.Equal(t, DiscordSlashCommandGraph, rv[0].CommandName)

	rv, err = user.CommandsSince(db, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Len(t, rv, 2)
}

func TestUserGetStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)

	user := User{
		ID:            t.Name(),
		Username:      t.Name(),
		NightscoutURL: "https://cgm.example.com",
	}
	require.NoError(t, db.Create(&user).Error)

	commands := []CommandLog{
		{
			CommandName: DiscordSlashCommandConvert,
			Interaction: Interaction{
				UserID:        user.ID,
				InteractionID: fmt.Sprintf("%s-1", t.Name()),
			},
		},
		{
			CommandName: DiscordSlashCommandConvert,
			Interaction: Interaction{
				UserID:        user.ID,
				InteractionID: fmt.Sprintf("%s-2", t.Name()),
			},
		},
		{
			CommandName: DiscordSlashCommandGraph,
			Interaction: Interaction{
				UserID:        user.ID,
				InteractionID: fmt.Sprintf("%s-3", t.Name()),
			},
		},
	}
	require.NoError(t, db.Create(&commands).Error)

	stats, err := user.getStats(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Commands[DiscordSlashCommandConvert])
	assert.Equal(t, 1, stats.Commands[DiscordSlashCommandGraph])
	assert.True(t, stats.NightscoutConfigured)

	noNightscout := User{ID: fmt.Sprintf("%s-no-ns", t.Name())}
	require.NoError(t, db.Create(&noNightscout).Error)
	stats, err = noNightscout.getStats(ctx, db)
	require.NoError(t, err)
	assert.False(t, stats.NightscoutConfigured)
	assert.Empty(t, stats.Commands)
}
