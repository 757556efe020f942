package diabot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDBMigrations(t *testing.T) {
	t.Parallel()
	db := gormDB(t)
	mg := db.Migrator()

	for _, model := range []any{
		&User{},
		&GuildSettings{},
		&AdminChannel{},
		&CommandLog{},
		&RuntimeConfig{},
		&InteractionLog{},
	} {
		assert.Truef(t, mg.HasTable(model), "missing table for %T", model)
	}
}

func TestGetOrCreateUser(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	discordUser := discordgo.User{
		ID:         "foo",
		Username:   "foo_username",
		GlobalName: "foo_global",
	}
	u, isNew, err := bot.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "foo", u.ID)
	assert.Equal(t, "foo_username", u.Username)

	// second call comes from the cache
	again, isNew, err := bot.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, u, again)

	var count int64
	require.NoError(t, bot.db.Model(&User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetOrCreateUser_UsernameChanged(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	u, _, err := bot.GetOrCreateUser(
		ctx,
		discordgo.User{ID: "foo", Username: "old_name"},
	)
	require.NoError(t, err)

	updated, isNew, err := bot.GetOrCreateUser(
		ctx,
		discordgo.User{ID: "foo", Username: "new_name"},
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "new_name", updated.Username)
	assert.Equal(t, u.ID, updated.ID)

	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", "foo").Error)
	assert.Equal(t, "new_name", dbUser.Username)
}

func TestReloadUser(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	u, _, err := bot.GetOrCreateUser(ctx, discordgo.User{ID: "foo"})
	require.NoError(t, err)
	assert.Equal(t, bot.RuntimeConfig().DefaultUnits, u.PreferredUnits)

	// change the row behind the cache's back
	require.NoError(
		t,
		bot.db.Model(&User{}).Where("id = ?", u.ID).Update(
			columnUserPreferredUnits,
			UnitMmol,
		).Error,
	)

	reloaded := bot.writeDB.ReloadUser(u.ID)
	require.NotNil(t, reloaded)
	assert.Equal(t, UnitMmol, reloaded.PreferredUnits)
	assert.Equal(t, UnitMmol, bot.writeDB.GetUser(u.ID).PreferredUnits)
}

func TestLoadUsers(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	_, _, err := bot.GetOrCreateUser(ctx, discordgo.User{ID: "foo"})
	require.NoError(t, err)
	_, _, err = bot.GetOrCreateUser(ctx, discordgo.User{ID: "bar"})
	require.NoError(t, err)

	users := bot.writeDB.LoadUsers()
	assert.Len(t, users, 2)

	cache := bot.writeDB.UserCache()
	assert.NotNil(t, cache["foo"])
	assert.NotNil(t, cache["bar"])
}

func TestNullableString(t *testing.T) {
	t.Parallel()

	var ns NullableString
	require.NoError(t, ns.Scan(nil))
	assert.Equal(t, NullableString(""), ns)

	require.NoError(t, ns.Scan("some error"))
	assert.Equal(t, NullableString("some error"), ns)

	assert.Error(t, ns.Scan(42))

	v, err := NullableString("").Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = NullableString("boom").Value()
	require.NoError(t, err)
	assert.Equal(t, "boom", v)

	data, err := json.Marshal(NullableString(""))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	data, err = json.Marshal(NullableString("boom"))
	require.NoError(t, err)
	assert.Equal(t, `"boom"`, string(data))

	var decoded NullableString
	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.Equal(t, NullableString(""), decoded)
	require.NoError(t, json.Unmarshal([]byte(`"boom"`), &decoded))
	assert.Equal(t, NullableString("boom"), decoded)
}
